// Package defaults centralizes the timeouts, TTLs and sizes used across
// the coordinator and worker, the way the teacher's lib/defaults does.
package defaults

import "time"

const (
	// ConfirmationTokenTTL is how long a confirmation token issued by
	// POST /v2/conf remains redeemable.
	ConfirmationTokenTTL = 5 * time.Minute

	// FingerprintLockTTL bounds how long a circuit-creation advisory lock
	// is held before it is considered abandoned.
	FingerprintLockTTL = 15 * time.Second

	// FingerprintWaitTimeout is how long a lock loser waits for the
	// winner's circuit-created event before retrying on its own.
	FingerprintWaitTimeout = 10 * time.Second

	// WorkerProvisionTimeout bounds the coordinator's direct RPC call to
	// install or remove a circuit handler on a worker.
	WorkerProvisionTimeout = 5 * time.Second

	// FrontendSetupTimeout is a setup wait bound for a client's first
	// connection to a new circuit. No frontend applies it, and nothing
	// returns E20003.
	FrontendSetupTimeout = 10 * time.Second

	// HandshakeReadDeadline is a TLS handshake deadline. The wildcard
	// frontend's server does not set it, and sets no timeouts.
	HandshakeReadDeadline = 5 * time.Second

	// LastAccessFlushInterval is how often the worker flushes in-memory
	// last-access timestamps for inference circuits to the store.
	LastAccessFlushInterval = time.Second

	// SweepInterval is how often the coordinator's idle sweeper scans for
	// inference circuits past their configured TTL.
	SweepInterval = 30 * time.Second

	// HeartbeatInterval is how often a worker re-registers with the
	// coordinator to keep its record fresh.
	HeartbeatInterval = 30 * time.Second

	// BackoffMin and BackoffMax bound a capped exponential backoff for
	// transient store/bus errors. The Registry and Ledger do not retry and
	// do not use them.
	BackoffMin = 100 * time.Millisecond
	BackoffMax = 5 * time.Second

	// WildcardLabelLength is the length of a generated wildcard subdomain
	// label.
	WildcardLabelLength = 16

	// DefaultAPITokenTTL is a default endpoint API token lifetime.
	// POST /v2/endpoints/{id}/token requires exp and does not fall back
	// to it.
	DefaultAPITokenTTL = 24 * time.Hour
)

// Namespace prefixes for the persisted store key layout (spec.md §6).
const (
	KeyWorkers           = "coordinator/workers"
	KeyCircuits          = "coordinator/circuits"
	KeyCircuitsByWorker  = "coordinator/circuits-by-worker"
	KeyEndpoints         = "coordinator/endpoints"
	KeyTokensConf        = "coordinator/tokens/conf"
	KeyTokensAPI         = "coordinator/tokens/api"
	KeyLocksFingerprint  = "coordinator/locks/fp"
	EventsTopic          = "coordinator/events"
)

// Component builds a "component:subcomponent" string for logrus fields,
// mirroring the teacher's constants.Component helper.
func Component(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ":" + p
	}
	return out
}
