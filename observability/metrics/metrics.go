// Package metrics exposes the optional Prometheus instrumentation for the
// runtime: stage execution counts, session crashes, per-stage queue depth,
// and initiator validation failures.
//
// Follows the package-level promauto vector pattern for process-wide
// counters and gauges: metrics are declared once at construction and
// referenced by label instead of re-registered per call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records runtime events as Prometheus metrics. The zero value is
// not usable directly; use New or NoOp.
type Recorder struct {
	stagesStarted      *prometheus.CounterVec
	stagesCommitted    *prometheus.CounterVec
	stagesRolledBack   *prometheus.CounterVec
	sessionCrashes     *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	initiatorFailures  *prometheus.CounterVec
	noop               bool
}

// New registers a fresh set of metrics against reg and returns a Recorder
// backed by them. Pass prometheus.DefaultRegisterer for the global
// registry, or a fresh prometheus.NewRegistry() in tests to avoid
// duplicate-registration panics across test runs.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		stagesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_stage_executions_started_total",
			Help: "Number of stage handler invocations started.",
		}, []string{"stage_id"}),
		stagesCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_stage_executions_committed_total",
			Help: "Number of stage executions that committed successfully.",
		}, []string{"stage_id"}),
		stagesRolledBack: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_stage_executions_rolled_back_total",
			Help: "Number of stage executions that rolled back.",
		}, []string{"stage_id"}),
		sessionCrashes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_session_crashes_total",
			Help: "Number of processor session leases that crashed and were reacquired.",
		}, []string{"stage_id"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowmesh_stage_queue_depth",
			Help: "Last observed queue depth for a stage's destination.",
		}, []string{"stage_id"}),
		initiatorFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_initiator_validation_failures_total",
			Help: "Number of initiator builder calls rejected by validation.",
		}, []string{"initiator"}),
	}
}

// NoOp returns a Recorder whose methods are all no-ops, for applications
// that don't want to wire Prometheus: constructing a registry without a
// metrics sink yields a no-op recorder.
func NoOp() *Recorder { return &Recorder{noop: true} }

// StageStarted records that stageID's handler began executing.
func (r *Recorder) StageStarted(stageID string) {
	if r == nil || r.noop {
		return
	}
	r.stagesStarted.WithLabelValues(stageID).Inc()
}

// StageCommitted records that stageID's execution committed.
func (r *Recorder) StageCommitted(stageID string) {
	if r == nil || r.noop {
		return
	}
	r.stagesCommitted.WithLabelValues(stageID).Inc()
}

// StageRolledBack records that stageID's execution rolled back.
func (r *Recorder) StageRolledBack(stageID string) {
	if r == nil || r.noop {
		return
	}
	r.stagesRolledBack.WithLabelValues(stageID).Inc()
}

// SessionCrashed records a processor session crash for stageID.
func (r *Recorder) SessionCrashed(stageID string) {
	if r == nil || r.noop {
		return
	}
	r.sessionCrashes.WithLabelValues(stageID).Inc()
}

// QueueDepth sets the last observed queue depth for stageID.
func (r *Recorder) QueueDepth(stageID string, depth float64) {
	if r == nil || r.noop {
		return
	}
	r.queueDepth.WithLabelValues(stageID).Set(depth)
}

// InitiatorValidationFailed records a rejected Builder terminator call.
func (r *Recorder) InitiatorValidationFailed(initiatorName string) {
	if r == nil || r.noop {
		return
	}
	r.initiatorFailures.WithLabelValues(initiatorName).Inc()
}
