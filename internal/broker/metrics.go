package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the broker's Prometheus collectors.
type Metrics struct {
	requests         *prometheus.CounterVec
	prekeysPublished prometheus.Counter
	prekeysClaimed   prometheus.Counter
	claimsExhausted  prometheus.Counter
	sharesStored     prometheus.Counter
	verifications    *prometheus.CounterVec
	envelopes        *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherdm_broker_requests_total",
				Help: "Number of HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		prekeysPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cipherdm_broker_prekeys_published_total",
				Help: "Number of one-time prekeys added to device pools",
			},
		),
		prekeysClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cipherdm_broker_prekeys_claimed_total",
				Help: "Number of one-time prekeys handed out",
			},
		),
		claimsExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cipherdm_broker_prekey_claims_exhausted_total",
				Help: "Number of claims against an empty prekey pool",
			},
		),
		sharesStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cipherdm_broker_group_key_shares_total",
				Help: "Number of group key shares stored",
			},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherdm_broker_verifications_total",
				Help: "Number of verification transactions entering each status",
			},
			[]string{"status"},
		),
		envelopes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherdm_broker_envelopes_total",
				Help: "Number of mailbox envelopes posted and acknowledged",
			},
			[]string{"event"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.prekeysPublished, m.prekeysClaimed, m.claimsExhausted,
			m.sharesStored, m.verifications, m.envelopes)
	}
	return m
}
