// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	OnlinePlayers      prometheus.Gauge
	ActiveRooms        prometheus.Gauge
	CountdownsRunning  prometheus.Gauge
	RoundsSettled      prometheus.Counter
	ProcessingFailures prometheus.Counter
	FallbackTriggers   prometheus.Counter
	SettlementLatency  prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		OnlinePlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_players",
			Help:      "Number of connected players",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of coordinated rooms",
		}),
		CountdownsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "countdowns_running",
			Help:      "Rooms currently counting down to a draw",
		}),
		RoundsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_settled_total",
			Help:      "Total rounds settled",
		}),
		ProcessingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_failures_total",
			Help:      "Total winner computations that failed",
		}),
		FallbackTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_triggers_total",
			Help:      "Times the server fallback timer fired processing",
		}),
		SettlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_latency_seconds",
			Help:      "Time from animation start to settled round",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}

	prometheus.MustRegister(
		m.OnlinePlayers,
		m.ActiveRooms,
		m.CountdownsRunning,
		m.RoundsSettled,
		m.ProcessingFailures,
		m.FallbackTriggers,
		m.SettlementLatency,
	)

	return m
}

type Monitor struct {
	metrics   *Metrics
	startTime time.Time
}

func NewMonitor(namespace string) *Monitor {
	return &Monitor{
		metrics:   NewMetrics(namespace),
		startTime: time.Now(),
	}
}

func (m *Monitor) StartServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())

	expvar.Publish("uptime", expvar.Func(func() interface{} {
		return time.Since(m.startTime).Seconds()
	}))

	go http.ListenAndServe(addr, nil)
}

// The mutators are nil-safe so wiring metrics stays optional in tests.

func (m *Monitor) IncOnlinePlayers() {
	if m == nil {
		return
	}
	m.metrics.OnlinePlayers.Inc()
}

func (m *Monitor) DecOnlinePlayers() {
	if m == nil {
		return
	}
	m.metrics.OnlinePlayers.Dec()
}

func (m *Monitor) SetActiveRooms(count int) {
	if m == nil {
		return
	}
	m.metrics.ActiveRooms.Set(float64(count))
}

func (m *Monitor) IncCountdowns() {
	if m == nil {
		return
	}
	m.metrics.CountdownsRunning.Inc()
}

func (m *Monitor) DecCountdowns() {
	if m == nil {
		return
	}
	m.metrics.CountdownsRunning.Dec()
}

func (m *Monitor) IncRoundsSettled() {
	if m == nil {
		return
	}
	m.metrics.RoundsSettled.Inc()
}

func (m *Monitor) IncProcessingFailures() {
	if m == nil {
		return
	}
	m.metrics.ProcessingFailures.Inc()
}

func (m *Monitor) IncFallbackTriggers() {
	if m == nil {
		return
	}
	m.metrics.FallbackTriggers.Inc()
}

func (m *Monitor) ObserveSettlementLatency(duration time.Duration) {
	if m == nil {
		return
	}
	m.metrics.SettlementLatency.Observe(duration.Seconds())
}
