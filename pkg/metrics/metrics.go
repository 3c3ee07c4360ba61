// Package metrics exposes Prometheus collectors for traces and operators. All methods are safe
// to call on a nil receiver, so components can be instrumented unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace is the metric namespace used when none is configured.
const DefaultNamespace = "ddflow"

// Metrics is the set of collectors of a computation.
type Metrics struct {
	batchesInserted *prometheus.CounterVec
	recordsInserted *prometheus.CounterVec
	merges          *prometheus.CounterVec
	traceRecords    *prometheus.GaugeVec
	traceBatches    *prometheus.GaugeVec
	operatorSteps   *prometheus.CounterVec
	operatorOutput  *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	iterateRounds   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil registerer creates
// unregistered collectors.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Metrics{
		batchesInserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_batches_inserted_total",
			Help:      "Total number of batches inserted into traces",
		}, []string{"trace"}),
		recordsInserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_records_inserted_total",
			Help:      "Total number of update records inserted into traces",
		}, []string{"trace"}),
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_merges_total",
			Help:      "Total number of batch merges",
		}, []string{"trace"}),
		traceRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trace_records",
			Help:      "Current number of update records held by a trace",
		}, []string{"trace"}),
		traceBatches: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trace_batches",
			Help:      "Current number of batches held by a trace",
		}, []string{"trace"}),
		operatorSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_steps_total",
			Help:      "Total number of operator steps",
		}, []string{"scope", "operator"}),
		operatorOutput: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_output_records_total",
			Help:      "Total number of update records emitted by operators",
		}, []string{"scope", "operator"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scope_step_duration_seconds",
			Help:      "Duration of scope steps",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"scope"}),
		iterateRounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterate_rounds_total",
			Help:      "Total number of iteration rounds executed",
		}, []string{"scope", "operator"}),
	}
}

// Trace returns the collectors of a named trace.
func (m *Metrics) Trace(name string) *Trace {
	if m == nil {
		return nil
	}
	return &Trace{
		batchesInserted: m.batchesInserted.WithLabelValues(name),
		recordsInserted: m.recordsInserted.WithLabelValues(name),
		merges:          m.merges.WithLabelValues(name),
		records:         m.traceRecords.WithLabelValues(name),
		batches:         m.traceBatches.WithLabelValues(name),
	}
}

// Operator returns the collectors of an operator in a scope.
func (m *Metrics) Operator(scope, name string) *Operator {
	if m == nil {
		return nil
	}
	return &Operator{
		steps:  m.operatorSteps.WithLabelValues(scope, name),
		output: m.operatorOutput.WithLabelValues(scope, name),
		rounds: m.iterateRounds,
		labels: []string{scope, name},
	}
}

// ObserveStep records the duration of a scope step.
func (m *Metrics) ObserveStep(scope string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(scope).Observe(d.Seconds())
}

// Trace is the collector set of one trace.
type Trace struct {
	batchesInserted prometheus.Counter
	recordsInserted prometheus.Counter
	merges          prometheus.Counter
	records         prometheus.Gauge
	batches         prometheus.Gauge
}

// Inserted records the insertion of a batch.
func (t *Trace) Inserted(records int) {
	if t == nil {
		return
	}
	t.batchesInserted.Inc()
	t.recordsInserted.Add(float64(records))
}

// Merged records a merge of batches.
func (t *Trace) Merged() {
	if t == nil {
		return
	}
	t.merges.Inc()
}

// Size records the current shape of a trace.
func (t *Trace) Size(batches, records int) {
	if t == nil {
		return
	}
	t.batches.Set(float64(batches))
	t.records.Set(float64(records))
}

// Operator is the collector set of one operator.
type Operator struct {
	steps  prometheus.Counter
	output prometheus.Counter
	rounds *prometheus.CounterVec
	labels []string
}

// Stepped records an operator step that emitted the given number of records.
func (o *Operator) Stepped(records int) {
	if o == nil {
		return
	}
	o.steps.Inc()
	o.output.Add(float64(records))
}

// Round records an iteration round. The series is created on the first round so that only
// iterations report it.
func (o *Operator) Round() {
	if o == nil {
		return
	}
	o.rounds.WithLabelValues(o.labels...).Inc()
}
