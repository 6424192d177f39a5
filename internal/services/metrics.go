package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the service-level counters. A nil *Metrics records nothing.
type Metrics struct {
	filterShortCircuits *prometheus.CounterVec
	decryptFailures     prometheus.Counter
	decryptions         *prometheus.CounterVec
	tokensIssued        *prometheus.CounterVec
}

// NewGatewayMetrics registers the gateway's service counters on reg.
func NewGatewayMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		filterShortCircuits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultquery",
			Subsystem: "gateway",
			Name:      "filter_short_circuits_total",
			Help:      "Exact-match queries answered NotFound by the membership filter without a scan.",
		}, []string{"field"}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultquery",
			Subsystem: "gateway",
			Name:      "decrypt_failures_total",
			Help:      "Decryption requests that failed at or across the trust boundary.",
		}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultquery",
			Subsystem: "gateway",
			Name:      "tokens_issued_total",
			Help:      "Tokens issued by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.filterShortCircuits, m.decryptFailures, m.tokensIssued)
	return m
}

// NewDecryptorMetrics registers the decryption authority's counters on reg.
func NewDecryptorMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decryptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultquery",
			Subsystem: "decryptor",
			Name:      "decryptions_total",
			Help:      "Ciphertexts processed by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.decryptions)
	return m
}

func (m *Metrics) filterShortCircuit(field string) {
	if m != nil && m.filterShortCircuits != nil {
		m.filterShortCircuits.WithLabelValues(field).Inc()
	}
}

func (m *Metrics) decryptFailed() {
	if m != nil && m.decryptFailures != nil {
		m.decryptFailures.Inc()
	}
}

func (m *Metrics) decrypted(outcome string, n int) {
	if m != nil && m.decryptions != nil {
		m.decryptions.WithLabelValues(outcome).Add(float64(n))
	}
}

func (m *Metrics) tokenIssued(kind string) {
	if m != nil && m.tokensIssued != nil {
		m.tokensIssued.WithLabelValues(kind).Inc()
	}
}
