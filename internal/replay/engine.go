// Package replay drains the fallback store back onto the bus once it is
// reachable again.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/minasoft/hl7-gateway/internal/availability"
	"github.com/minasoft/hl7-gateway/internal/gateway"
	"github.com/minasoft/hl7-gateway/internal/metrics"
	"github.com/minasoft/hl7-gateway/internal/routing"
	"github.com/minasoft/hl7-gateway/internal/store"
)

const DefaultInterval = 5 * time.Second

// StateReader exposes the current bus availability.
type StateReader interface {
	State() availability.State
}

// Store is the part of the fallback store the engine reads and archives.
type Store interface {
	MessageDir(category string) string
	AckDir(category string) string
	List(dir string) ([]string, error)
	Read(path string) ([]byte, error)
	Archive(path string) (string, error)
}

// CycleStats summarizes one pass over a folder.
type CycleStats struct {
	Folder    string `json:"folder"`
	Topic     string `json:"topic"`
	Replayed  int    `json:"replayed"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// poller owns one fallback folder and the topic its files go to.
type poller struct {
	dir   string
	topic string
	kind  store.Kind
	mu    sync.Mutex
}

type Engine struct {
	store     Store
	publisher gateway.Publisher
	state     StateReader
	interval  time.Duration
	pollers   []*poller
}

// NewEngine creates a message poller and an ack poller for every route.
func NewEngine(table *routing.Table, st Store, publisher gateway.Publisher, state StateReader, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	e := &Engine{
		store:     st,
		publisher: publisher,
		state:     state,
		interval:  interval,
	}
	for _, r := range table.Routes() {
		cat := string(r.Category)
		e.pollers = append(e.pollers,
			&poller{dir: st.MessageDir(cat), topic: r.DataTopic, kind: store.KindMessage},
			&poller{dir: st.AckDir(cat), topic: r.AckTopic, kind: store.KindAck},
		)
	}
	return e
}

// Run starts one poller per folder and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range e.pollers {
		wg.Add(1)
		go func(p *poller) {
			defer wg.Done()
			e.poll(ctx, p)
		}(p)
	}

	slog.Info("Yeniden gönderim motoru başlatıldı",
		"folders", len(e.pollers),
		"interval", e.interval)

	wg.Wait()
	slog.Info("Yeniden gönderim motoru durduruldu")
}

func (e *Engine) poll(ctx context.Context, p *poller) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain(ctx, p)
		}
	}
}

// DrainAll runs one cycle of every folder now. Folders are drained
// sequentially; a folder whose poller is mid-cycle is waited for.
func (e *Engine) DrainAll(ctx context.Context) []CycleStats {
	stats := make([]CycleStats, 0, len(e.pollers))
	for _, p := range e.pollers {
		if ctx.Err() != nil {
			break
		}
		stats = append(stats, e.drain(ctx, p))
	}
	return stats
}

// drain publishes every file of the folder in name order and archives the
// ones the bus accepted. Failed files stay for the next cycle.
func (e *Engine) drain(ctx context.Context, p *poller) CycleStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	folder := filepath.Base(p.dir)
	stats := CycleStats{Folder: folder, Topic: p.topic}

	if e.state.State() != availability.StateUp {
		stats.Skipped = true
		return stats
	}

	names, err := e.store.List(p.dir)
	if err != nil {
		slog.Error("Yerel depo klasörü okunamadı", "folder", p.dir, "error", err)
		stats.Skipped = true
		return stats
	}

	for i, name := range names {
		if ctx.Err() != nil || e.state.State() != availability.StateUp {
			stats.Remaining = len(names) - i
			break
		}
		if e.replayFile(ctx, p, name) {
			stats.Replayed++
		} else {
			stats.Failed++
			stats.Remaining++
		}
	}

	if stats.Replayed > 0 || stats.Failed > 0 {
		slog.Info("Yerel depo klasörü yeniden gönderildi",
			"folder", folder,
			"topic", p.topic,
			"replayed", stats.Replayed,
			"failed", stats.Failed,
			"remaining", stats.Remaining)
	}
	return stats
}

func (e *Engine) replayFile(ctx context.Context, p *poller, name string) bool {
	folder := filepath.Base(p.dir)
	path := filepath.Join(p.dir, name)

	data, err := e.store.Read(path)
	if err != nil {
		slog.Error("Dosya okunamadı", "path", path, "error", err)
		metrics.Replayed.WithLabelValues(folder, "error").Inc()
		return false
	}

	msgID := MessageID(folder, name)
	if err := e.publisher.Publish(ctx, p.topic, data, msgID); err != nil {
		slog.Warn("Dosya bus'a gönderilemedi, sonraki turda tekrar denenecek",
			"path", path,
			"topic", p.topic,
			"error", err)
		metrics.Replayed.WithLabelValues(folder, "error").Inc()
		return false
	}

	// The bus has the message now; a failed archive means it is sent again
	// next cycle and the bus drops it as a duplicate inside its window.
	target, err := e.store.Archive(path)
	if err != nil {
		slog.Error("Gönderilen dosya arşivlenemedi", "path", path, "error", err)
		metrics.Replayed.WithLabelValues(folder, "archive_error").Inc()
		return false
	}

	metrics.Replayed.WithLabelValues(folder, "ok").Inc()
	slog.Debug("Dosya yeniden gönderildi", "path", path, "archived", target, "msgID", msgID)
	return true
}

// MessageID derives the bus message id of a stored file. Files written by the
// gateway reuse the id of the original publish attempt, so a message that
// reached the bus before timing out is dropped as a duplicate.
func MessageID(folder, name string) string {
	kind, id, ok := store.ParseFileName(name)
	if !ok {
		return fmt.Sprintf("%s/%s", folder, name)
	}
	if kind == store.KindAck {
		return id + gateway.AckMsgIDSuffix
	}
	return id
}
