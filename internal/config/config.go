package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/minasoft/hl7-gateway/internal/routing"
)

type Config struct {
	MLLPPort   int
	HealthPort int

	BusURL         string
	BusTLS         bool
	BusStream      string
	BusReplicas    int
	PublishTimeout time.Duration
	FlushTimeout   time.Duration
	// ProvisionStreams creates the gateway stream at startup.
	ProvisionStreams bool
	EmbeddedBus      bool
	EmbeddedBusDir   string

	ServiceName string
	Namespace   string
	CertPath    string
	HealthTLS   bool

	FallbackDir       string
	StoreFailureFatal bool

	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	MaxDowntime    time.Duration
	ReplayInterval time.Duration

	Routes   []routing.Route
	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		MLLPPort:   getEnvAsInt("MLLP_PORT", 2575),
		HealthPort: getEnvAsInt("HEALTH_PORT", 8443),

		BusURL:           getEnv("BUS_URL", "nats://localhost:4222"),
		BusTLS:           getEnvAsBool("BUS_TLS", false),
		BusStream:        getEnv("BUS_STREAM", "HL7_GATEWAY"),
		BusReplicas:      getEnvAsInt("BUS_REPLICAS", 1),
		PublishTimeout:   getEnvAsDuration("PUBLISH_TIMEOUT", 150*time.Millisecond),
		FlushTimeout:     getEnvAsDuration("FLUSH_TIMEOUT", 5*time.Second),
		ProvisionStreams: getEnvAsBool("PROVISION_STREAMS", false),
		EmbeddedBus:      getEnvAsBool("EMBEDDED_BUS", false),
		EmbeddedBusDir:   getEnv("EMBEDDED_BUS_DIR", "/data/nats"),

		ServiceName: getEnv("KUBERNETES_SERVICE_NAME", "hl7-gateway"),
		Namespace:   getEnv("KUBERNETES_NAMESPACE", "default"),
		CertPath:    getEnv("CERT_PATH", "/etc/mllp/secrets/"),
		HealthTLS:   getEnvAsBool("HEALTH_TLS", false),

		StoreFailureFatal: getEnvAsBool("STORE_FAILURE_FATAL", false),

		ProbeInterval:  getEnvAsDuration("PROBE_INTERVAL", 60*time.Second),
		ProbeTimeout:   getEnvAsDuration("PROBE_TIMEOUT", 5*time.Second),
		MaxDowntime:    getEnvAsDuration("MAX_DOWNTIME", 12*time.Hour),
		ReplayInterval: getEnvAsDuration("REPLAY_INTERVAL", 5*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	cfg.FallbackDir = getEnv("FALLBACK_DIR", filepath.Join("/var/log", cfg.ServiceName, "outage-messages"))

	setupLogger(cfg.LogLevel)

	routes, err := routing.ParseRoutes(os.Getenv("ROUTES"))
	if err != nil {
		return nil, fmt.Errorf("ROUTES okunamadı: %w", err)
	}
	cfg.Routes = routes

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Yapılandırma yüklendi",
		"mllpPort", cfg.MLLPPort,
		"healthPort", cfg.HealthPort,
		"busURL", cfg.BusURL,
		"busTLS", cfg.BusTLS,
		"embeddedBus", cfg.EmbeddedBus,
		"fallbackDir", cfg.FallbackDir,
		"publishTimeout", cfg.PublishTimeout,
		"maxDowntime", cfg.MaxDowntime,
	)

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{"MLLP_PORT": c.MLLPPort, "HEALTH_PORT": c.HealthPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s geçersiz: %d", name, port))
		}
	}
	if c.MLLPPort == c.HealthPort {
		errs = append(errs, fmt.Errorf("MLLP_PORT ve HEALTH_PORT aynı olamaz: %d", c.MLLPPort))
	}
	if c.BusURL == "" && !c.EmbeddedBus {
		errs = append(errs, errors.New("BUS_URL boş"))
	}
	if c.BusReplicas < 1 {
		errs = append(errs, fmt.Errorf("BUS_REPLICAS en az 1 olmalı: %d", c.BusReplicas))
	}
	if c.FallbackDir == "" {
		errs = append(errs, errors.New("FALLBACK_DIR boş"))
	}
	for name, d := range map[string]time.Duration{
		"PUBLISH_TIMEOUT": c.PublishTimeout,
		"FLUSH_TIMEOUT":   c.FlushTimeout,
		"PROBE_INTERVAL":  c.ProbeInterval,
		"PROBE_TIMEOUT":   c.ProbeTimeout,
		"MAX_DOWNTIME":    c.MaxDowntime,
		"REPLAY_INTERVAL": c.ReplayInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s pozitif olmalı: %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// CertFile, KeyFile and CAFile locate the mounted TLS credentials:
// <CERT_PATH>/<service>.<namespace>.crt|key and <CERT_PATH>/ca.crt.
func (c *Config) CertFile() string {
	return filepath.Join(c.CertPath, c.ServiceName+"."+c.Namespace+".crt")
}

func (c *Config) KeyFile() string {
	return filepath.Join(c.CertPath, c.ServiceName+"."+c.Namespace+".key")
}

func (c *Config) CAFile() string {
	return filepath.Join(c.CertPath, "ca.crt")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)
}
