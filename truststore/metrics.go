package truststore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// trustDecisions is a Counter vector of host identity checks
var trustDecisions *prometheus.CounterVec

// EnableMetrics will enable metrics collection for host identity checks.
// Available metrics are...
//   - trust_decisions_total - (tags: policy,decision)
//     A Counter for each verification tagged with the policy in force and
//     the outcome (known|approved|rejected)
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	trustDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "trust_decisions_total",
		Help:      "Count of host identity verifications",
	},
		[]string{"policy", "decision"},
	)

	registerer.MustRegister(trustDecisions)
}

func recordTrustDecision(policy Policy, decision string) {
	// if metrics not enabled return
	if trustDecisions == nil {
		return
	}
	trustDecisions.WithLabelValues(policy.String(), decision).Inc()
}
