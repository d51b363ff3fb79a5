package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/minasoft/hl7-gateway/internal/availability"
	"github.com/minasoft/hl7-gateway/internal/bus"
	"github.com/minasoft/hl7-gateway/internal/config"
	"github.com/minasoft/hl7-gateway/internal/gateway"
	"github.com/minasoft/hl7-gateway/internal/hl7"
	"github.com/minasoft/hl7-gateway/internal/metrics"
	"github.com/minasoft/hl7-gateway/internal/replay"
	"github.com/minasoft/hl7-gateway/internal/routing"
	"github.com/minasoft/hl7-gateway/internal/store"
	"github.com/minasoft/hl7-gateway/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var errStoreFailure = errors.New("yerel depo yazma hatası")

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MLLP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("yapılandırma yüklenemedi: %w", err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("metrikler kaydedilemedi: %w", err)
	}

	table, err := routing.NewTable(cfg.Routes...)
	if err != nil {
		return fmt.Errorf("rota tablosu oluşturulamadı: %w", err)
	}

	// Start embedded NATS server
	busURL := cfg.BusURL
	var embedded *bus.EmbeddedServer
	if cfg.EmbeddedBus {
		embedded, err = bus.NewEmbeddedServer(cfg.EmbeddedBusDir)
		if err != nil {
			return fmt.Errorf("gömülü NATS sunucu başlatılamadı: %w", err)
		}
		defer embedded.Shutdown()
		busURL = embedded.ClientURL()
	}

	client, err := bus.Connect(bus.Options{
		URL:            busURL,
		Name:           cfg.ServiceName,
		PublishTimeout: cfg.PublishTimeout,
		TLS:            cfg.BusTLS,
		CertFile:       cfg.CertFile(),
		KeyFile:        cfg.KeyFile(),
		CAFile:         cfg.CAFile(),
	})
	if err != nil {
		return err
	}

	if cfg.ProvisionStreams || cfg.EmbeddedBus {
		provisionCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		err := client.EnsureStream(provisionCtx, bus.StreamSpec{
			Name:     cfg.BusStream,
			Subjects: table.Topics(),
			Replicas: cfg.BusReplicas,
		})
		cancel()
		if err != nil {
			slog.Warn("Stream hazırlanamadı, devam ediliyor", "error", err)
		}
	}

	prober, err := bus.NewTCPProber(busURL, cfg.ProbeTimeout)
	if err != nil {
		client.Close(cfg.FlushTimeout)
		return err
	}

	st := store.New(cfg.FallbackDir)
	gw := gateway.New(table, client, st)

	fatal := make(chan error, 1)
	if cfg.StoreFailureFatal {
		gw.OnStoreFailure = func(err error) {
			select {
			case fatal <- fmt.Errorf("%w: %w", errStoreFailure, err):
			default:
			}
		}
	}

	listener := hl7.NewMLLPServer(cfg.MLLPPort, gw)
	mon := availability.NewMonitor(prober, listener, cfg.ProbeInterval, cfg.MaxDowntime)
	listener.SetAcceptGate(mon.AcceptingConnections)
	engine := replay.NewEngine(table, st, client, mon, cfg.ReplayInterval)

	// Create context with cancellation
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	// Create wait group for goroutines
	var wg sync.WaitGroup

	mon.OnRecovery(recoveryDrain(workCtx, &wg, engine))

	if err := listener.Start(workCtx); err != nil {
		client.Close(cfg.FlushTimeout)
		return fmt.Errorf("MLLP sunucu başlatılamadı: %w", err)
	}
	metrics.ListenerRunning.Set(1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		mon.Run(workCtx)
	}()
	go func() {
		defer wg.Done()
		engine.Run(workCtx)
	}()

	webCtx, cancelWeb := context.WithCancel(context.Background())
	defer cancelWeb()

	webServer := web.NewServer(web.Options{
		Port:     cfg.HealthPort,
		TLS:      cfg.HealthTLS,
		CertFile: cfg.CertFile(),
		KeyFile:  cfg.KeyFile(),
		Stream:   cfg.BusStream,
		Gatherer: reg,
	}, mon, listener, st, engine, client)

	webDone := make(chan error, 1)
	go func() {
		webDone <- webServer.Start(webCtx)
	}()

	slog.Info("HL7 Gateway başlatıldı",
		"mllpPort", cfg.MLLPPort,
		"healthPort", cfg.HealthPort,
		"busURL", busURL,
		"routes", len(table.Routes()),
	)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Kapatma sinyali alındı, sunucu kapatılıyor...")
	case runErr = <-fatal:
		slog.Error("KRİTİK: yerel depo hatası nedeniyle kapatılıyor", "severity", "CRITICAL", "error", runErr)
	case err := <-webDone:
		runErr = err
		webDone <- nil
	}

	// Stop accepting connections first, then the timers, then the bus.
	// The monitor is closed before the listener so a late UP probe cannot
	// reopen the port.
	mon.Close()
	if err := listener.Stop(); err != nil {
		slog.Error("MLLP sunucu durdurulamadı", "error", err)
	}
	metrics.ListenerRunning.Set(0)

	cancelWork()
	wg.Wait()

	client.Close(cfg.FlushTimeout)

	cancelWeb()
	if err := <-webDone; err != nil {
		slog.Error("Sağlık sunucusu kapatılamadı", "error", err)
	}

	slog.Info("HL7 Gateway kapatıldı")
	return runErr
}

type drainer interface {
	DrainAll(ctx context.Context) []replay.CycleStats
}

// recoveryDrain returns the monitor's recovery hook. The hook runs on the
// monitor goroutine, which wg already counts, so the Add never races with the
// shutdown Wait.
func recoveryDrain(ctx context.Context, wg *sync.WaitGroup, d drainer) func() {
	return func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.DrainAll(ctx)
		}()
	}
}
