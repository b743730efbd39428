// Package metrics exposes Prometheus collectors for the ingest server, the
// drive loop and the TraCI connection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record results.
const (
	RecordOK        = "ok"
	RecordMalformed = "malformed"
	RecordIgnored   = "ignored"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	reg *prometheus.Registry

	sessionsTotal  prometheus.Counter
	sessionActive  prometheus.Gauge
	recordsTotal   *prometheus.CounterVec
	ticksTotal     prometheus.Counter
	tickFailures   *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	simTimeSeconds prometheus.Gauge
	traciCommands  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_ingest_sessions_total",
			Help: "Total number of accepted client sessions",
		}),
		sessionActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_ingest_session_active",
			Help: "1 while a client session is being served",
		}),
		recordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_ingest_records_total",
			Help: "Total number of received records by decode result",
		}, []string{"result"}),
		ticksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_drive_ticks_total",
			Help: "Total number of simulation steps issued",
		}),
		tickFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_drive_reposition_failures_total",
			Help: "Ticks whose reposition was skipped, by failure kind",
		}, []string{"kind"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_drive_tick_duration_seconds",
			Help:    "Wall time spent in one drive tick",
			Buckets: prometheus.DefBuckets,
		}),
		simTimeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_drive_sim_time_seconds",
			Help: "Simulated time reached by the drive loop",
		}),
		traciCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_traci_commands_total",
			Help: "TraCI commands sent, by command and status",
		}, []string{"command", "status"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionActive.Set(1)
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionActive.Set(0)
}

func (m *Metrics) Record(result string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Tick(d time.Duration, simTime time.Duration) {
	if m == nil {
		return
	}
	m.ticksTotal.Inc()
	m.tickDuration.Observe(d.Seconds())
	m.simTimeSeconds.Set(simTime.Seconds())
}

func (m *Metrics) RepositionFailed(kind string) {
	if m == nil {
		return
	}
	m.tickFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) TraCICommand(command string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.traciCommands.WithLabelValues(command, status).Inc()
}
