// Package monitoring exposes Prometheus metrics for backtest runs.
//
//   - backtest_bars_total{symbol}            bars replayed
//   - backtest_signals_total{symbol,type}     ENTER_LONG / EXIT_LONG decisions
//   - backtest_exit_reasons_total{reason}     exits by stop kind
//   - backtest_trades_total{result}           closed trades (win|loss)
//   - backtest_symbol_duration_seconds        per-symbol run time
//   - backtest_runs_total{status}             symbol runs by outcome
//   - backtest_jobs_in_flight                 jobs currently executing
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pivot-backtest/services/engine"
	"pivot-backtest/strategies"
)

type Config struct {
	Namespace string `yaml:"namespace"`
	// GoCollectors adds the Go runtime and process collectors to the registry.
	GoCollectors bool `yaml:"go_collectors"`
}

// Metrics implements engine.Recorder on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	bars         *prometheus.CounterVec
	signals      *prometheus.CounterVec
	exitReasons  *prometheus.CounterVec
	trades       *prometheus.CounterVec
	runs         *prometheus.CounterVec
	duration     prometheus.Histogram
	jobsInFlight prometheus.Gauge
}

var _ engine.Recorder = (*Metrics)(nil)

func NewMetrics(cfg Config) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "backtest"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bars: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "bars_total", Help: "Bars replayed through the strategy"},
			[]string{"symbol"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "signals_total", Help: "Signals emitted"},
			[]string{"symbol", "type"},
		),
		exitReasons: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "exit_reasons_total", Help: "Exit signals split by reason"},
			[]string{"reason"},
		),
		trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "trades_total", Help: "Closed trades by result"},
			[]string{"result"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "runs_total", Help: "Symbol runs by outcome"},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "symbol_duration_seconds",
			Help:      "Wall time of one symbol run",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "jobs_in_flight", Help: "Backtest jobs currently executing"}),
	}
	m.registry.MustRegister(m.bars, m.signals, m.exitReasons, m.trades, m.runs, m.duration, m.jobsInFlight)
	if cfg.GoCollectors {
		m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

func (m *Metrics) ObserveBars(symbol string, n int) {
	m.bars.WithLabelValues(symbol).Add(float64(n))
}

func (m *Metrics) ObserveSignal(symbol string, sig strategies.Signal) {
	m.signals.WithLabelValues(symbol, sig.Type.String()).Inc()
	if sig.Type == strategies.SignalExitLong {
		m.exitReasons.WithLabelValues(sig.Reason).Inc()
	}
}

func (m *Metrics) ObserveTrade(_ string, t engine.Trade) {
	result := "loss"
	if t.PnlUsd.IsPositive() {
		result = "win"
	}
	m.trades.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRun(_ string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.runs.WithLabelValues(status).Inc()
	m.duration.Observe(d.Seconds())
}

// JobStarted marks a job as executing; call the returned func when it ends.
func (m *Metrics) JobStarted() func() {
	m.jobsInFlight.Inc()
	return m.jobsInFlight.Dec
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
