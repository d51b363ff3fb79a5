package bus

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs an in-process NATS server with JetStream. It backs local
// development (EMBEDDED_BUS=true) and the bus tests.
type EmbeddedServer struct {
	server *server.Server
}

func NewEmbeddedServer(dataDir string) (*EmbeddedServer, error) {
	return NewEmbeddedServerOnPort(dataDir, -1)
}

// NewEmbeddedServerOnPort starts the server on a fixed port; -1 picks a
// random one.
func NewEmbeddedServerOnPort(dataDir string, port int) (*EmbeddedServer, error) {
	// NATS sunucu ayarları
	opts := &server.Options{
		Host:      "127.0.0.1",
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "nats-store"),
		Port:      port,
		HTTPPort:  -1, // HTTP monitoring kapalı
		NoSigs:    true,
	}

	// Store dizinini oluştur
	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("store dizini oluşturulamadı: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("NATS sunucu oluşturulamadı: %w", err)
	}

	ns.Start()

	// Hazır olmasını bekle
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS sunucu başlatılamadı")
	}

	slog.Info("Gömülü NATS sunucu başlatıldı", "clientURL", ns.ClientURL())

	return &EmbeddedServer{server: ns}, nil
}

// ClientURL returns the nats:// URL clients connect to.
func (es *EmbeddedServer) ClientURL() string {
	return es.server.ClientURL()
}

func (es *EmbeddedServer) Shutdown() {
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	slog.Info("NATS sunucu kapatıldı")
}
