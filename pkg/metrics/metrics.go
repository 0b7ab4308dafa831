package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SIDTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dare_sid_term",
		Help: "Current term component of this server's SID",
	})

	Role = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dare_role",
		Help: "Current role (0=none,1=follower,2=candidate,3=leader)",
	})

	LogCommitOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dare_log_commit_offset",
		Help: "Byte offset of the log's commit boundary",
	})

	LogApplyOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dare_log_apply_offset",
		Help: "Byte offset of the log's apply boundary",
	})

	QuorumSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dare_quorum_size",
		Help: "Number of acks currently required for an entry to commit",
	})

	ConfigState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dare_config_state",
		Help: "Current CID state (0=STABLE,1=EXTENDED,2=TRANSIT)",
	})

	RecoveryInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dare_recovery_in_progress",
		Help: "Whether this server is currently recovering from a snapshot (1=yes)",
	})

	ElectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dare_elections_total",
		Help: "Total number of elections this server has started",
	})

	ProposeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dare_propose_latency_seconds",
		Help:    "Time from Propose() call to quorum commit",
		Buckets: prometheus.DefBuckets,
	})

	ReplicationWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dare_replication_writes_total",
		Help: "Total one-sided log writes issued, by outcome",
	}, []string{"outcome"})

	DivergenceDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dare_divergence_decisions_total",
		Help: "Total divergence decisions reached, by outcome (D0-D3)",
	}, []string{"decision"})
)

func init() {
	prometheus.MustRegister(SIDTerm)
	prometheus.MustRegister(Role)
	prometheus.MustRegister(LogCommitOffset)
	prometheus.MustRegister(LogApplyOffset)
	prometheus.MustRegister(QuorumSize)
	prometheus.MustRegister(ConfigState)
	prometheus.MustRegister(RecoveryInProgress)
	prometheus.MustRegister(ElectionsTotal)
	prometheus.MustRegister(ProposeLatency)
	prometheus.MustRegister(ReplicationWritesTotal)
	prometheus.MustRegister(DivergenceDecisionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
