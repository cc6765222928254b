// Package metrics records assistance engine counters in Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the service counters. A nil *Recorder discards everything,
// so components can be built without metrics in tests.
type Recorder struct {
	operations      *prometheus.CounterVec
	storageRetries  *prometheus.CounterVec
	credentials     *prometheus.CounterVec
	rotations       *prometheus.CounterVec
	worklogFailures prometheus.Counter
	gatherer        prometheus.Gatherer
}

// New registers the counters on reg. A nil reg selects a fresh registry.
// Collectors that are already registered are reused.
func New(reg *prometheus.Registry) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{gatherer: reg}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assistance_operations_total",
		Help: "Engine operations by outcome (ok or error code)",
	}, []string{"operation", "outcome"})
	storageRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_retries_total",
		Help: "Storage calls retried after a transient failure",
	}, []string{"operation"})
	credentials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credential_refreshes_total",
		Help: "Bearer credential fetches per source",
	}, []string{"source", "outcome"})
	rotations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequence_rotations_total",
		Help: "Times a sequence counter wrapped back to its start",
	}, []string{"counter"})
	worklogFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worklog_append_failures_total",
		Help: "Worklog entries lost after the aggregate write succeeded",
	})

	var err error
	if r.operations, err = register(reg, operations); err != nil {
		return nil, err
	}
	if r.storageRetries, err = register(reg, storageRetries); err != nil {
		return nil, err
	}
	if r.credentials, err = register(reg, credentials); err != nil {
		return nil, err
	}
	if r.rotations, err = register(reg, rotations); err != nil {
		return nil, err
	}
	if r.worklogFailures, err = register(reg, worklogFailures); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Operation counts one engine call. outcome is "ok" or the error code.
func (r *Recorder) Operation(operation, outcome string) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
}

func (r *Recorder) StorageRetry(operation string) {
	if r == nil {
		return
	}
	r.storageRetries.WithLabelValues(operation).Inc()
}

func (r *Recorder) CredentialRefresh(source string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.credentials.WithLabelValues(source, outcome).Inc()
}

func (r *Recorder) SequenceRotation(counter string) {
	if r == nil {
		return
	}
	r.rotations.WithLabelValues(counter).Inc()
}

func (r *Recorder) WorklogFailure() {
	if r == nil {
		return
	}
	r.worklogFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
