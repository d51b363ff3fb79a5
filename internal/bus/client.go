// Package bus publishes gateway traffic to NATS JetStream.
//
// Durability comes from file-backed, replicated streams: a publish is
// confirmed only after the stream has stored it on its replica quorum.
// Every publish carries a Nats-Msg-Id so the stream drops a resent message
// inside its duplicate window.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minasoft/hl7-gateway/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrPublishTimeout is returned when a publish exceeds its budget.
var ErrPublishTimeout = errors.New("bus publish zaman aşımı")

// DefaultPublishTimeout keeps ingestion latency bounded during outages.
const DefaultPublishTimeout = 150 * time.Millisecond

type Options struct {
	URL            string
	Name           string
	PublishTimeout time.Duration

	// Mutual TLS
	TLS      bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// StreamSpec describes the stream that stores gateway topics.
type StreamSpec struct {
	Name       string
	Subjects   []string
	Replicas   int
	MaxAge     time.Duration
	Duplicates time.Duration
}

type StreamInfo struct {
	Name          string `json:"name"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}

type Client struct {
	nc             *nats.Conn
	js             jetstream.JetStream
	publishTimeout time.Duration
}

// Connect returns a client even when the bus is down: the connection keeps
// retrying in the background while publishes fail fast.
func Connect(opts Options) (*Client, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		// Without a reconnect buffer a publish during an outage fails
		// immediately instead of waiting for the reconnect.
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("Bus bağlantısı koptu", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Bus bağlantısı yeniden kuruldu", "url", nc.ConnectedUrl())
		}),
	}

	if opts.TLS {
		natsOpts = append(natsOpts,
			nats.ClientCert(opts.CertFile, opts.KeyFile),
			nats.RootCAs(opts.CAFile),
		)
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("NATS bağlantısı kurulamadı: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("JetStream başlatılamadı: %w", err)
	}

	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	slog.Info("Bus istemcisi oluşturuldu",
		"url", opts.URL,
		"tls", opts.TLS,
		"connected", nc.IsConnected(),
		"publishTimeout", timeout)

	return &Client{nc: nc, js: js, publishTimeout: timeout}, nil
}

// Publish stores data on subject. msgID is used for duplicate suppression.
// Without a deadline on ctx the client's publish budget applies.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.publishTimeout)
		defer cancel()
	}

	start := time.Now()
	ack, err := c.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Publishes.WithLabelValues(subject, "error").Inc()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("%w: %s: %w", ErrPublishTimeout, subject, err)
		}
		return fmt.Errorf("bus publish hatası %s: %w", subject, err)
	}

	metrics.Publishes.WithLabelValues(subject, "ok").Inc()
	if ack.Duplicate {
		slog.Info("Mükerrer mesaj bus tarafından yok sayıldı",
			"subject", subject,
			"msgID", msgID,
			"sequence", ack.Sequence)
	}
	return nil
}

// EnsureStream creates or updates the stream holding the gateway topics.
func (c *Client) EnsureStream(ctx context.Context, spec StreamSpec) error {
	replicas := spec.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	duplicates := spec.Duplicates
	if duplicates <= 0 {
		duplicates = 2 * time.Minute
	}

	cfg := jetstream.StreamConfig{
		Name:        spec.Name,
		Description: "HL7 gateway mesaj ve ACK topic'leri",
		Subjects:    spec.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      spec.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
		Duplicates:  duplicates,
	}

	if _, err := c.js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("%s stream oluşturulamadı: %w", spec.Name, err)
	}
	slog.Info("Stream hazır", "stream", spec.Name, "subjects", spec.Subjects, "replicas", replicas)
	return nil
}

// StreamInfo returns the state of a stream.
func (c *Client) StreamInfo(ctx context.Context, name string) (*StreamInfo, error) {
	stream, err := c.js.Stream(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%s stream bulunamadı: %w", name, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s stream bilgisi alınamadı: %w", name, err)
	}
	return &StreamInfo{
		Name:          info.Config.Name,
		Messages:      info.State.Msgs,
		Bytes:         info.State.Bytes,
		FirstSequence: info.State.FirstSeq,
		LastSequence:  info.State.LastSeq,
	}, nil
}

// Connected reports whether the underlying connection is up.
func (c *Client) Connected() bool {
	return c.nc.IsConnected()
}

// Close flushes pending data within flushTimeout and closes the connection.
func (c *Client) Close(flushTimeout time.Duration) {
	if c.nc.IsConnected() {
		if err := c.nc.FlushTimeout(flushTimeout); err != nil {
			slog.Warn("Bus flush tamamlanamadı", "error", err)
		}
	}
	c.nc.Close()
	slog.Info("Bus bağlantısı kapatıldı")
}
