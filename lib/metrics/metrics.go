// Package metrics declares the coordinator and worker's Prometheus
// collectors, registered the way the teacher's lib/srv/regular and
// lib/restrictedsession packages register theirs: package-level vars
// constructed with prometheus.New*, wired into the default registry from
// an init func.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SlotsInUse is the number of occupied slots (ports and wildcard
	// labels) per worker authority.
	SlotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appproxy",
			Name:      "slots_in_use",
			Help:      "Number of slots (ports and wildcard labels) currently occupied, by worker authority.",
		},
		[]string{"authority"},
	)

	// CircuitsActive is the number of live circuits per worker authority
	// and traffic class.
	CircuitsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appproxy",
			Name:      "circuits_active",
			Help:      "Number of live circuits, by worker authority and app mode.",
		},
		[]string{"authority", "app_mode"},
	)

	// CircuitsCreated counts circuit creations, split by whether an
	// existing circuit was reused.
	CircuitsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appproxy",
			Name:      "circuits_created_total",
			Help:      "Number of circuit creation requests handled, by outcome.",
		},
		[]string{"reused"},
	)

	// CircuitsEvicted counts circuits removed by the idle sweeper, by the
	// worker authority that owned them.
	CircuitsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appproxy",
			Name:      "circuits_evicted_total",
			Help:      "Number of inference circuits evicted for exceeding their idle TTL.",
		},
		[]string{"authority"},
	)

	// AdmissionRejections counts requests rejected by the worker's
	// admission policy chain, by error code (spec.md §4.6).
	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appproxy",
			Name:      "admission_rejections_total",
			Help:      "Number of requests rejected by the admission policy chain, by error code.",
		},
		[]string{"code"},
	)

	// InferenceRouteSelections counts weighted-random backend route
	// selections for inference circuits, by circuit id.
	InferenceRouteSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appproxy",
			Name:      "inference_route_selections_total",
			Help:      "Number of backend routes selected for inference traffic, by circuit id.",
		},
		[]string{"circuit_id"},
	)

	// WorkerRegistrations counts successful worker (re-)registrations.
	WorkerRegistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appproxy",
			Name:      "worker_registrations_total",
			Help:      "Number of successful worker registrations, by authority.",
		},
		[]string{"authority"},
	)

	// FingerprintLockWaits counts times a circuit-creation request had to
	// wait on another request's in-flight creation for the same
	// fingerprint.
	FingerprintLockWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appproxy",
			Name:      "fingerprint_lock_waits_total",
			Help:      "Number of circuit creation requests that waited on a concurrent request for the same fingerprint.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SlotsInUse,
		CircuitsActive,
		CircuitsCreated,
		CircuitsEvicted,
		AdmissionRejections,
		InferenceRouteSelections,
		WorkerRegistrations,
		FingerprintLockWaits,
	)
}
