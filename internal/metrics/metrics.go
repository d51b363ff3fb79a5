package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hl7_gateway",
		Name:      "messages_received_total",
		Help:      "Inbound HL7 messages by routing category and outcome",
	}, []string{"category", "outcome"})

	AcksGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hl7_gateway",
		Name:      "acks_total",
		Help:      "Acknowledgments returned to senders by code (none when no ack could be built)",
	}, []string{"code"})

	Publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hl7_gateway",
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Bus publish attempts by topic and result",
	}, []string{"topic", "result"})

	PublishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hl7_gateway",
		Subsystem: "bus",
		Name:      "publish_duration_seconds",
		Help:      "Latency of bus publish attempts",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.5, 1},
	})

	FallbackWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hl7_gateway",
		Subsystem: "fallback",
		Name:      "writes_total",
		Help:      "Fallback store file writes by folder and result",
	}, []string{"folder", "result"})

	Replayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hl7_gateway",
		Subsystem: "replay",
		Name:      "files_total",
		Help:      "Replayed fallback files by folder and result",
	}, []string{"folder", "result"})

	BusState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hl7_gateway",
		Subsystem: "bus",
		Name:      "state",
		Help:      "Bus availability: 0 UP, 1 DOWN, 2 CRITICAL_DOWN",
	})

	BusDowntimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hl7_gateway",
		Subsystem: "bus",
		Name:      "downtime_seconds",
		Help:      "Seconds since the bus was first seen unreachable, 0 when UP",
	})

	ListenerRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hl7_gateway",
		Subsystem: "mllp",
		Name:      "listener_running",
		Help:      "1 while the MLLP listener accepts connections",
	})
)

// Register adds the gateway collectors and the Go runtime collectors to reg.
func Register(reg prometheus.Registerer) error {
	cs := []prometheus.Collector{
		MessagesReceived,
		AcksGenerated,
		Publishes,
		PublishDuration,
		FallbackWrites,
		Replayed,
		BusState,
		BusDowntimeSeconds,
		ListenerRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
