// Package metrics exposes Prometheus counters for the authentication flow.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels used on AuthOperations.
const (
	OutcomeSuccess         = "success"
	OutcomeInvalidEmail    = "invalid_email"
	OutcomeRateLimited     = "rate_limited"
	OutcomeNotFound        = "not_found"
	OutcomeExpired         = "expired"
	OutcomeWrongCode       = "wrong_code"
	OutcomeTooManyAttempts = "too_many_attempts"
	OutcomeResendLimit     = "resend_limit"
	OutcomeDeliveryFailed  = "delivery_failed"
	OutcomeInternalError   = "internal_error"
)

// AuthOperations counts boundary operations by outcome.
// Use Register to register this with a Prometheus registry.
var AuthOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authd_auth_operations_total",
		Help: "Total number of authentication operations",
	},
	[]string{"operation", "outcome"},
)

// PurgedRecords counts records removed by the background sweep.
var PurgedRecords = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authd_purged_records_total",
		Help: "Total number of records removed by the purge sweep",
	},
	[]string{"kind"},
)

// Register registers the package metrics with the given registry. Must be
// called at startup to make metrics available on /metrics.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(AuthOperations)
	reg.MustRegister(PurgedRecords)
}
