package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/minasoft/hl7-gateway/internal/availability"
	"github.com/minasoft/hl7-gateway/internal/bus"
	"github.com/minasoft/hl7-gateway/internal/replay"
	"github.com/minasoft/hl7-gateway/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor exposes the availability state.
type Monitor interface {
	Snapshot() availability.Snapshot
}

// Listener reports whether MLLP connections are being accepted.
type Listener interface {
	Running() bool
}

// FolderLister reports pending fallback files.
type FolderLister interface {
	Folders() ([]store.FolderInfo, error)
}

// Replayer drains the fallback store on demand.
type Replayer interface {
	DrainAll(ctx context.Context) []replay.CycleStats
}

// StreamReader reads bus stream state. Optional.
type StreamReader interface {
	StreamInfo(ctx context.Context, name string) (*bus.StreamInfo, error)
	Connected() bool
}

type Options struct {
	Port     int
	TLS      bool
	CertFile string
	KeyFile  string
	Stream   string
	Gatherer prometheus.Gatherer
}

type Server struct {
	echo     *echo.Echo
	opts     Options
	monitor  Monitor
	listener Listener
	folders  FolderLister
	replayer Replayer
	streams  StreamReader
	now      func() time.Time
}

func NewServer(opts Options, mon Monitor, listener Listener, folders FolderLister, replayer Replayer, streams StreamReader) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		opts:     opts,
		monitor:  mon,
		listener: listener,
		folders:  folders,
		replayer: replayer,
		streams:  streams,
		now:      time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	slog.Info("Sağlık sunucusu başlatılıyor", "port", s.opts.Port, "tls", s.opts.TLS)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.opts.TLS {
			err = s.echo.StartTLS(addr, s.opts.CertFile, s.opts.KeyFile)
		} else {
			err = s.echo.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("sağlık sunucusu hatası: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ready", s.handleReady)

	api := s.echo.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/streams", s.handleGetStreams)
	api.POST("/replay", s.handleReplay)

	if s.opts.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// handleReady fails while new MLLP connections are refused.
func (s *Server) handleReady(c echo.Context) error {
	snap := s.monitor.Snapshot()
	if snap.State == availability.StateCriticalDown || !s.listener.Running() {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "not_ready",
			"state":    snap.State,
			"listener": s.listener.Running(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ready",
		"state":  snap.State,
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	snap := s.monitor.Snapshot()
	downtime := snap.Downtime(s.now())

	status := map[string]interface{}{
		"state":            snap.State,
		"downtime":         availability.FormatDowntime(downtime),
		"downtime_seconds": int64(downtime.Seconds()),
		"listener":         s.listener.Running(),
		"timestamp":        s.now(),
	}
	if !snap.DownSince.IsZero() {
		status["down_since"] = snap.DownSince
	}
	if !snap.CheckedAt.IsZero() {
		status["checked_at"] = snap.CheckedAt
	}
	if s.streams != nil {
		status["bus_connected"] = s.streams.Connected()
	}

	folders, err := s.folders.Folders()
	if err != nil {
		slog.Error("Yerel depo okunamadı", "error", err)
		status["fallback_error"] = err.Error()
	} else {
		if folders == nil {
			folders = []store.FolderInfo{}
		}
		pending := 0
		for _, f := range folders {
			pending += f.Pending
		}
		status["fallback"] = folders
		status["fallback_pending"] = pending
	}

	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleGetStreams(c echo.Context) error {
	if s.streams == nil || s.opts.Stream == "" {
		return echo.NewHTTPError(http.StatusNotFound, "stream bilgisi yok")
	}

	info, err := s.streams.StreamInfo(c.Request().Context(), s.opts.Stream)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, []*bus.StreamInfo{info})
}

// handleReplay drains the fallback store immediately.
func (s *Server) handleReplay(c echo.Context) error {
	snap := s.monitor.Snapshot()
	if snap.State != availability.StateUp {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"status":  "skipped",
			"state":   snap.State,
			"message": "Bus erişilemiyor, yeniden gönderim yapılmadı",
		})
	}

	stats := s.replayer.DrainAll(c.Request().Context())

	replayed, failed := 0, 0
	for _, st := range stats {
		replayed += st.Replayed
		failed += st.Failed
	}

	slog.Info("Elle yeniden gönderim tamamlandı", "replayed", replayed, "failed", failed)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "success",
		"replayed": replayed,
		"failed":   failed,
		"folders":  stats,
	})
}
