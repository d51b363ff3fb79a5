package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/minasoft/hl7-gateway/internal/hl7"
	"github.com/minasoft/hl7-gateway/internal/routing"
	"github.com/minasoft/hl7-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	data  []byte
	msgID string
}

type fakePublisher struct {
	mu      sync.Mutex
	sent    []published
	failing map[string]error
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failing[subject]; err != nil {
		return err
	}
	p.sent = append(p.sent, published{topic: subject, data: data, msgID: msgID})
	return nil
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, s := range p.sent {
		out = append(out, s.topic)
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	records []store.Record
	err     error
}

func (s *fakeStore) Save(rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

var errBusDown = errors.New("nats: no responders available for request")

const (
	oru = "MSH|^~\\&|LAB|HOSP|GW|HOSP|20240101120000||ORU^R01|MSG001|P|2.5.1\rPID|1||12345^^^HOSP\rOBX|1|NM|HGB||13.5\r"
	adt = "MSH|^~\\&|ADM|HOSP|GW|HOSP|20240101120000||ADT^A01|MSG00001|P|2.5.1^EXTRA\rPID|1||777\r"
	zzz = "MSH|^~\\&|LAB|HOSP|GW|HOSP|20240101120000||ZZZ^Z01|MSG404|P|2.5\rPID|1||12345\r"
)

func newTestGateway() (*Gateway, *fakePublisher, *fakeStore) {
	pub := &fakePublisher{failing: map[string]error{}}
	st := &fakeStore{}
	return New(routing.DefaultTable(), pub, st), pub, st
}

func ackFields(t *testing.T, res Result) *hl7.Message {
	t.Helper()
	require.NotNil(t, res.Ack)
	msg, err := hl7.Parse(string(res.Ack.Raw))
	require.NoError(t, err)
	return msg
}

func TestProcessDelivered(t *testing.T) {
	g, pub, st := newTestGateway()

	res := g.Process(context.Background(), []byte(oru))
	require.Equal(t, Delivered, res.Outcome)
	assert.NoError(t, res.Err)
	assert.NoError(t, res.AckErr)
	assert.Equal(t, routing.DefaultORU, res.Route)
	assert.Equal(t, "12345", res.PatientID)
	assert.Equal(t, "MSG001", res.ControlID)

	ack := ackFields(t, res)
	assert.Equal(t, "AA", ack.Get("MSA-1"))
	assert.Equal(t, "MSG001", ack.Get("MSA-2"))

	require.Len(t, pub.sent, 2)
	assert.Equal(t, published{topic: "AIP-34728", data: []byte(oru), msgID: res.ID}, pub.sent[0])
	assert.Equal(t, published{topic: "AIP-34728-ACK", data: res.Ack.Raw, msgID: res.ID + "-ack"}, pub.sent[1])
	assert.Empty(t, st.records)
}

func TestProcessNormalizesVersion(t *testing.T) {
	g, pub, _ := newTestGateway()

	res := g.Process(context.Background(), []byte(adt))
	require.Equal(t, Delivered, res.Outcome)
	assert.Equal(t, routing.DefaultADT, res.Route)
	assert.Equal(t, []string{"AIP-34915", "AIP-34915-ACK"}, pub.topics())

	ack := ackFields(t, res)
	assert.Equal(t, "MSG00001", ack.Get("MSA-2"))
	assert.Equal(t, "2.5.1", ack.Version())

	// The body goes out as received.
	assert.Equal(t, adt, string(pub.sent[0].data))
}

func TestProcessUnroutable(t *testing.T) {
	g, pub, st := newTestGateway()

	res := g.Process(context.Background(), []byte(zzz))
	require.Equal(t, Unroutable, res.Outcome)
	assert.Equal(t, routing.DefaultError, res.Route)
	assert.Error(t, res.Err)

	ack := ackFields(t, res)
	assert.Equal(t, "AE", ack.Get("MSA-1"))
	assert.Equal(t, "MSG404", ack.Get("MSA-2"))
	assert.Equal(t, "Unsupported message type: ZZZ", ack.Get("MSA-3"))

	assert.Empty(t, pub.sent, "unknown types never reach the bus directly")
	require.Len(t, st.records, 1)
	rec := st.records[0]
	assert.Equal(t, "ERROR", rec.Category)
	assert.Equal(t, res.ID, rec.ID)
	assert.Equal(t, zzz, string(rec.Message))
	assert.Equal(t, res.Ack.Raw, rec.Ack)
}

func TestProcessParseErrorWithSalvageableHeader(t *testing.T) {
	g, pub, st := newTestGateway()
	raw := "MSH|^~\\&|LAB|HOSP|GW|HOSP|20240101||ORU^R01|MSG500|P|2.5\rpid|bad\r"

	res := g.Process(context.Background(), []byte(raw))
	require.Equal(t, ParseError, res.Outcome)
	assert.ErrorIs(t, res.Err, hl7.ErrParse)
	assert.Equal(t, routing.DefaultError, res.Route)
	assert.Equal(t, hl7.UnknownPatientID, res.PatientID)

	ack := ackFields(t, res)
	assert.Equal(t, "AE", ack.Get("MSA-1"))
	assert.Equal(t, "MSG500", ack.Get("MSA-2"))
	assert.Equal(t, ReasonParse, ack.Get("MSA-3"))

	assert.Empty(t, pub.sent)
	require.Len(t, st.records, 1)
	assert.Equal(t, "ERROR", st.records[0].Category)
	assert.Equal(t, raw, string(st.records[0].Message))
	assert.NotEmpty(t, st.records[0].Ack)
}

func TestProcessParseErrorWithoutHeader(t *testing.T) {
	g, pub, st := newTestGateway()

	res := g.Process(context.Background(), []byte("this is not hl7"))
	require.Equal(t, ParseError, res.Outcome)
	assert.Nil(t, res.Ack)
	assert.ErrorIs(t, res.AckErr, hl7.ErrAckBuild)
	assert.Nil(t, res.Reply())

	assert.Empty(t, pub.sent)
	require.Len(t, st.records, 1)
	assert.Equal(t, "this is not hl7", string(st.records[0].Message))
	assert.Empty(t, st.records[0].Ack)
}

func TestProcessBodyPublishFailure(t *testing.T) {
	g, pub, st := newTestGateway()
	pub.failing["AIP-34728"] = errBusDown

	res := g.Process(context.Background(), []byte(oru))
	require.Equal(t, Persisted, res.Outcome)
	assert.ErrorIs(t, res.Err, errBusDown)

	// The sender still gets its positive ack.
	ack := ackFields(t, res)
	assert.Equal(t, "AA", ack.Get("MSA-1"))

	assert.Empty(t, pub.sent, "no ack publish after a failed body publish")
	require.Len(t, st.records, 1)
	rec := st.records[0]
	assert.Equal(t, "ORU", rec.Category)
	assert.Equal(t, res.ID, rec.ID)
	assert.Equal(t, oru, string(rec.Message))
	assert.Equal(t, res.Ack.Raw, rec.Ack)
}

func TestProcessAckPublishFailure(t *testing.T) {
	g, pub, st := newTestGateway()
	pub.failing["AIP-34915-ACK"] = errBusDown

	res := g.Process(context.Background(), []byte(adt))
	require.Equal(t, Persisted, res.Outcome)
	assert.Equal(t, []string{"AIP-34915"}, pub.topics())

	require.Len(t, st.records, 1)
	rec := st.records[0]
	assert.Equal(t, "ADT", rec.Category)
	assert.Empty(t, rec.Message, "the body is already on the bus")
	assert.Equal(t, res.Ack.Raw, rec.Ack)
}

func TestProcessAckBuildFailure(t *testing.T) {
	g, pub, st := newTestGateway()
	noControlID := "MSH|^~\\&|LAB|HOSP|GW|HOSP|20240101||ORU^R01||P|2.5\rPID|1||1\r"

	res := g.Process(context.Background(), []byte(noControlID))
	require.Equal(t, AckBuildError, res.Outcome)
	assert.ErrorIs(t, res.AckErr, hl7.ErrAckBuild)
	assert.Nil(t, res.Reply())

	// Routing still happens; only the ack topic is skipped.
	assert.Equal(t, []string{"AIP-34728"}, pub.topics())
	assert.Empty(t, st.records)
}

func TestProcessAckBuildFailureWhileBusDown(t *testing.T) {
	g, pub, st := newTestGateway()
	pub.failing["AIP-34728"] = errBusDown
	noControlID := "MSH|^~\\&|LAB|HOSP|GW|HOSP|20240101||ORU^R01||P|2.5\r"

	res := g.Process(context.Background(), []byte(noControlID))
	require.Equal(t, Persisted, res.Outcome)
	assert.Error(t, res.AckErr)

	require.Len(t, st.records, 1)
	assert.Equal(t, noControlID, string(st.records[0].Message))
	assert.Empty(t, st.records[0].Ack)
}

func TestProcessStoreFailure(t *testing.T) {
	g, pub, st := newTestGateway()
	pub.failing["AIP-34728"] = errBusDown
	st.err = errors.New("disk full")

	var fatal error
	g.OnStoreFailure = func(err error) { fatal = err }

	res := g.Process(context.Background(), []byte(oru))
	require.Equal(t, StoreError, res.Outcome)
	assert.ErrorIs(t, res.Err, errBusDown)
	assert.ErrorIs(t, res.Err, st.err)
	assert.ErrorIs(t, fatal, st.err)

	// The sender is still acknowledged.
	assert.NotNil(t, res.Reply())
}

func TestHandleMessage(t *testing.T) {
	g, _, _ := newTestGateway()

	reply := g.HandleMessage(context.Background(), []byte(oru), "10.0.0.1:5000")
	assert.Equal(t, "AA", hl7.ExtractAckCode(reply))

	reply = g.HandleMessage(context.Background(), []byte(zzz), "10.0.0.1:5000")
	assert.Equal(t, "AE", hl7.ExtractAckCode(reply))

	assert.Nil(t, g.HandleMessage(context.Background(), []byte("junk"), "10.0.0.1:5000"))
}

func TestEveryRecordHasUniqueID(t *testing.T) {
	g, _, _ := newTestGateway()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		res := g.Process(context.Background(), []byte(oru))
		assert.False(t, seen[res.ID])
		seen[res.ID] = true
	}
}

func TestOutcomeString(t *testing.T) {
	names := []string{}
	for o := Delivered; o <= StoreError; o++ {
		names = append(names, o.String())
	}
	assert.Equal(t, "delivered,persisted,parse_error,unroutable,ack_build_error,store_error", strings.Join(names, ","))
}
