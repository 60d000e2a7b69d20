// Package observability holds the Prometheus metrics exported by the daemon.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cineflow"

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	// relayPeers tracks connected sockets. Labels: room
	relayPeers *prometheus.GaugeVec
	// relayFrames counts accepted frames. Labels: type (sync, presence)
	relayFrames *prometheus.CounterVec
	// relayDropped counts frames dropped by the relay. Labels: reason
	relayDropped *prometheus.CounterVec
	// snapshotSaves counts snapshot writes. Labels: result (ok, error)
	snapshotSaves *prometheus.CounterVec

	// tasksTotal counts tasks reaching a terminal state. Labels: status
	tasksTotal *prometheus.CounterVec
	// taskDuration measures task lifetime from start to terminal state.
	taskDuration prometheus.Histogram

	// limiterQueue is the number of queued requests. Labels: limiter
	limiterQueue *prometheus.GaugeVec
	// limiterActive is the number of in-flight requests. Labels: limiter
	limiterActive *prometheus.GaugeVec
	// limiterStarted counts requests started. Labels: limiter
	limiterStarted *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		relayPeers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Connected peers per room",
		}, []string{"room"}),
		relayFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames accepted by the relay",
		}, []string{"type"}),
		relayDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped by the relay",
		}, []string{"reason"}),
		snapshotSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "snapshot_saves_total",
			Help:      "Snapshot writes by result",
		}, []string{"result"}),
		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Generation tasks by terminal status",
		}, []string{"status"}),
		taskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Generation task duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 240},
		}),
		limiterQueue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "queue_length",
			Help:      "Requests waiting in the limiter queue",
		}, []string{"limiter"}),
		limiterActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "active_requests",
			Help:      "Requests currently in flight",
		}, []string{"limiter"}),
		limiterStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "started_total",
			Help:      "Requests started by the limiter",
		}, []string{"limiter"}),
	}
}

func (m *Metrics) PeerConnected(room string) {
	if m != nil {
		m.relayPeers.WithLabelValues(room).Inc()
	}
}

func (m *Metrics) PeerDisconnected(room string) {
	if m != nil {
		m.relayPeers.WithLabelValues(room).Dec()
	}
}

func (m *Metrics) FrameAccepted(kind string) {
	if m != nil {
		m.relayFrames.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.relayDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SnapshotSaved(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.snapshotSaves.WithLabelValues(result).Inc()
}

// TaskFinished records a terminal task.
func (m *Metrics) TaskFinished(status string, seconds float64) {
	if m != nil {
		m.tasksTotal.WithLabelValues(status).Inc()
		m.taskDuration.Observe(seconds)
	}
}

// LimiterState publishes a limiter's queue and in-flight counts.
func (m *Metrics) LimiterState(limiter string, queued, active int) {
	if m != nil {
		m.limiterQueue.WithLabelValues(limiter).Set(float64(queued))
		m.limiterActive.WithLabelValues(limiter).Set(float64(active))
	}
}

func (m *Metrics) LimiterStarted(limiter string) {
	if m != nil {
		m.limiterStarted.WithLabelValues(limiter).Inc()
	}
}
