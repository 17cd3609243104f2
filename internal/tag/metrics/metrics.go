package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the tag lifecycle.
type Metrics struct {
	OTPIssued           prometheus.Counter
	OTPVerifyFailures   *prometheus.CounterVec
	Activations         prometheus.Counter
	ActivationConflicts prometheus.Counter
	OwnerUpdates        prometheus.Counter
	NotifyFailures      prometheus.Counter
}

// New creates and registers tag metrics against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OTPIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "taglink_otp_issued_total",
			Help: "One-time codes issued",
		}),
		OTPVerifyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taglink_otp_verify_failures_total",
			Help: "Failed OTP verifications by reason",
		}, []string{"reason"}),
		Activations: factory.NewCounter(prometheus.CounterOpts{
			Name: "taglink_activations_total",
			Help: "Tags transitioned unassigned to active",
		}),
		ActivationConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "taglink_activation_conflicts_total",
			Help: "Activation attempts that lost the optimistic guard",
		}),
		OwnerUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "taglink_owner_updates_total",
			Help: "Committed owner field updates",
		}),
		NotifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "taglink_notify_failures_total",
			Help: "Outbound notification delivery failures",
		}),
	}
}
