// Package metrics registers the Prometheus collectors for the security
// core. HTTP-level metrics live in the api package; these cover the
// domain operations themselves.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CryptoOperations counts AEAD seal/open operations by outcome.
	CryptoOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credvault_crypto_operations_total",
		Help: "Encrypt/decrypt operations by operation and status.",
	}, []string{"operation", "status"})

	// ConsumeFailures counts rejected single-use artifact redemptions.
	ConsumeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credvault_consume_failures_total",
		Help: "Rejected consumes of codes, tokens, and states by reason.",
	}, []string{"artifact", "reason"})

	// KeyRotations counts completed and failed key rotations.
	KeyRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credvault_key_rotations_total",
		Help: "Key rotations by scope type and status.",
	}, []string{"scope_type", "status"})
)

func init() {
	prometheus.MustRegister(CryptoOperations, ConsumeFailures, KeyRotations)
}
