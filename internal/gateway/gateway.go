// Package gateway runs each inbound HL7 payload through
// Normalize → Parse → Classify → Acknowledge → Publish and reports a tagged
// Result. Per-message failures never escape as errors; they end up in the
// fallback store or as a negative acknowledgment.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/minasoft/hl7-gateway/internal/hl7"
	"github.com/minasoft/hl7-gateway/internal/metrics"
	"github.com/minasoft/hl7-gateway/internal/routing"
	"github.com/minasoft/hl7-gateway/internal/store"
)

// Negative acknowledgment reasons (MSA-3).
const (
	ReasonParse       = "Message could not be parsed"
	ReasonUnsupported = "Unsupported message type"
)

// AckMsgIDSuffix marks the bus message id of an acknowledgment.
const AckMsgIDSuffix = "-ack"

// Publisher sends a payload to a bus topic. msgID enables duplicate
// suppression on the bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// Store persists message/ack pairs while the bus is unreachable.
type Store interface {
	Save(rec store.Record) error
}

type Outcome int

const (
	// Delivered: message and ack are on the bus.
	Delivered Outcome = iota
	// Persisted: the bus publish failed and the fallback store has the rest.
	Persisted
	// ParseError: negative ack, saved to the ERROR category.
	ParseError
	// Unroutable: parsed but the type has no route; negative ack, ERROR category.
	Unroutable
	// AckBuildError: no acknowledgment could be built; routing still ran.
	AckBuildError
	// StoreError: the fallback store could not write. Possible data loss.
	StoreError
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Persisted:
		return "persisted"
	case ParseError:
		return "parse_error"
	case Unroutable:
		return "unroutable"
	case AckBuildError:
		return "ack_build_error"
	case StoreError:
		return "store_error"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result describes what happened to one payload.
type Result struct {
	ID        string
	Outcome   Outcome
	Route     routing.Route
	Ack       *hl7.Ack
	PatientID string
	ControlID string
	Type      string
	// Err holds the cause for every outcome except Delivered.
	Err error
	// AckErr is set when no acknowledgment could be built. Outcome then tells
	// where the message went.
	AckErr error
}

// Reply returns the acknowledgment bytes for the sender, or nil.
func (r Result) Reply() []byte {
	if r.Ack == nil {
		return nil
	}
	return r.Ack.Raw
}

type Gateway struct {
	table     *routing.Table
	publisher Publisher
	store     Store

	// OnStoreFailure runs after a fallback write fails. Nil means log only.
	OnStoreFailure func(error)
}

func New(table *routing.Table, publisher Publisher, st Store) *Gateway {
	return &Gateway{
		table:     table,
		publisher: publisher,
		store:     st,
	}
}

// HandleMessage implements hl7.Handler.
func (g *Gateway) HandleMessage(ctx context.Context, payload []byte, remoteAddr string) []byte {
	res := g.Process(ctx, payload)

	attrs := []any{
		"id", res.ID,
		"remoteAddr", remoteAddr,
		"outcome", res.Outcome.String(),
		"type", res.Type,
		"controlID", res.ControlID,
		"patientID", res.PatientID,
		"category", res.Route.Category,
	}
	switch res.Outcome {
	case Delivered, Persisted:
		slog.Info("Mesaj işlendi", attrs...)
	case StoreError:
		slog.Error("KRİTİK: mesaj ne bus'a ne yerel depoya yazılabildi", append(attrs, "severity", "CRITICAL", "error", res.Err)...)
	default:
		slog.Warn("Mesaj hatalı olarak işlendi", append(attrs, "error", res.Err)...)
	}

	if res.AckErr != nil {
		slog.Error("ACK oluşturulamadı, gönderene yanıt dönülmeyecek", "id", res.ID, "error", res.AckErr)
		metrics.AcksGenerated.WithLabelValues("none").Inc()
	} else if res.Ack != nil {
		metrics.AcksGenerated.WithLabelValues(res.Ack.Code()).Inc()
	}
	metrics.MessagesReceived.WithLabelValues(string(res.Route.Category), res.Outcome.String()).Inc()

	return res.Reply()
}

// Process runs the pipeline for one payload.
func (g *Gateway) Process(ctx context.Context, payload []byte) Result {
	res := Result{ID: uuid.NewString(), PatientID: hl7.UnknownPatientID}

	raw := hl7.NormalizeHeader(string(payload))
	msg, err := hl7.Parse(raw)
	if err != nil {
		return g.reject(res, payload, raw, err)
	}

	res.Type = msg.MessageType()
	res.ControlID = msg.ControlID()
	res.PatientID = msg.PatientID()

	route, ok := g.table.Classify(res.Type)
	res.Route = route
	if !ok {
		res.Outcome = Unroutable
		res.Err = fmt.Errorf("%s: %q", ReasonUnsupported, res.Type)
		res.Ack, res.AckErr = hl7.BuildAck(msg, hl7.AckNegative, fmt.Sprintf("%s: %s", ReasonUnsupported, res.Type))
		return g.persist(res, payload)
	}

	res.Ack, res.AckErr = hl7.BuildAck(msg, hl7.AckPositive, "")

	if err := g.publisher.Publish(ctx, route.DataTopic, payload, res.ID); err != nil {
		res.Outcome = Persisted
		res.Err = err
		return g.persist(res, payload)
	}

	if res.AckErr != nil {
		res.Outcome = AckBuildError
		res.Err = res.AckErr
		return res
	}

	if err := g.publisher.Publish(ctx, route.AckTopic, res.Ack.Raw, res.ID+AckMsgIDSuffix); err != nil {
		res.Outcome = Persisted
		res.Err = err
		return g.persist(res, nil)
	}

	res.Outcome = Delivered
	return res
}

// reject handles a payload that failed to parse. The header is salvaged when
// possible so the sender still gets a correlated negative ack.
func (g *Gateway) reject(res Result, payload []byte, raw string, parseErr error) Result {
	res.Outcome = ParseError
	res.Err = parseErr
	res.Route = g.table.Error()

	header, err := hl7.SalvageHeader(raw)
	if err != nil {
		res.AckErr = fmt.Errorf("%w: %w", hl7.ErrAckBuild, err)
	} else {
		res.Type = header.MessageType()
		res.ControlID = header.ControlID()
		res.Ack, res.AckErr = hl7.BuildAck(header, hl7.AckNegative, ReasonParse)
	}
	return g.persist(res, payload)
}

// persist saves the message (when given) and the built ack, if any, under the
// route's category. A store failure replaces the outcome.
func (g *Gateway) persist(res Result, message []byte) Result {
	rec := store.Record{
		ID:       res.ID,
		Category: string(res.Route.Category),
		Message:  message,
	}
	if res.Ack != nil {
		rec.Ack = res.Ack.Raw
	}
	if len(rec.Message) == 0 && len(rec.Ack) == 0 {
		return res
	}

	if err := g.store.Save(rec); err != nil {
		res.Outcome = StoreError
		res.Err = errors.Join(res.Err, err)
		if g.OnStoreFailure != nil {
			g.OnStoreFailure(err)
		}
	}
	return res
}
