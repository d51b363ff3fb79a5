package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/minasoft/hl7-gateway/internal/config"
	"github.com/minasoft/hl7-gateway/internal/hl7"
	"github.com/minasoft/hl7-gateway/internal/replay"
	"github.com/minasoft/hl7-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	oru = "MSH|^~\\&|LAB|HOSP|GW|HOSP|20240101120000||ORU^R01|MSG001|P|2.5.1\rPID|1||12345\r"
	zzz = "MSH|^~\\&|LAB|HOSP|GW|HOSP|20240101120000||ZZZ^Z01|MSG404|P|2.5\rPID|1||12345\r"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		MLLPPort:       freePort(t),
		HealthPort:     freePort(t),
		EmbeddedBus:    true,
		EmbeddedBusDir: filepath.Join(dir, "nats"),
		BusStream:      "HL7_GATEWAY",
		BusReplicas:    1,
		PublishTimeout: time.Second,
		FlushTimeout:   time.Second,
		ServiceName:    "hl7-gateway-test",
		FallbackDir:    filepath.Join(dir, "outage"),
		ProbeInterval:  50 * time.Millisecond,
		ProbeTimeout:   time.Second,
		MaxDowntime:    time.Hour,
		ReplayInterval: 50 * time.Millisecond,
	}
}

func TestServeEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	client := hl7.NewMLLPClient("127.0.0.1", cfg.MLLPPort).WithTimeout(2 * time.Second)
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.MLLPPort)))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 10*time.Second, 20*time.Millisecond)

	ack, err := client.SendMessage([]byte(oru))
	require.NoError(t, err)
	assert.Equal(t, "AA", hl7.ExtractAckCode(ack))

	// Unknown types are acknowledged negatively and go through the fallback
	// store to the error topic.
	ack, err = client.SendMessage([]byte(zzz))
	require.ErrorIs(t, err, hl7.ErrNegativeAck)
	assert.Equal(t, "AE", hl7.ExtractAckCode(ack))

	st := store.New(cfg.FallbackDir)
	require.Eventually(t, func() bool {
		archived, err := st.List(st.ArchiveDir())
		return err == nil && len(archived) == 2
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.HealthPort))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestSendCommand(t *testing.T) {
	srv := hl7.NewMLLPServer(0, hl7.HandlerFunc(func(ctx context.Context, payload []byte, remoteAddr string) []byte {
		msg, err := hl7.Parse(string(payload))
		if err != nil {
			return nil
		}
		ack, err := hl7.BuildAck(msg, hl7.AckPositive, "")
		if err != nil {
			return nil
		}
		return ack.Raw
	}))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()
	port := srv.Addr().(*net.TCPAddr).Port

	// Files written with LF line endings are sent with CR terminators.
	path := filepath.Join(t.TempDir(), "oru.hl7")
	require.NoError(t, os.WriteFile(path, []byte("MSH|^~\\&|A|B|C|D|1||ORU^R01|X1|P|2.5\nPID|1||9\n"), 0o644))

	var out bytes.Buffer
	root := newRoot()
	root.SetOut(&out)
	root.SetArgs([]string{"send", "--host", "127.0.0.1", "--port", strconv.Itoa(port), path})
	require.NoError(t, root.Execute())
	assert.Equal(t, path+": AA\n", out.String())
}

func TestSendCommandMissingFile(t *testing.T) {
	root := newRoot()
	root.SetArgs([]string{"send", filepath.Join(t.TempDir(), "missing.hl7")})
	assert.Error(t, root.Execute())
}

type blockingDrainer struct {
	started chan struct{}
	release chan struct{}
}

func (d *blockingDrainer) DrainAll(ctx context.Context) []replay.CycleStats {
	close(d.started)
	<-d.release
	return nil
}

func TestRecoveryDrainIsWaitedFor(t *testing.T) {
	d := &blockingDrainer{started: make(chan struct{}), release: make(chan struct{})}
	var wg sync.WaitGroup

	recoveryDrain(context.Background(), &wg, d)()
	<-d.started

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("wait returned while the drain was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(d.release)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after the drain finished")
	}
}
