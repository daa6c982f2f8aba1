package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	DecisionsTotal *prometheus.CounterVec
	KeyFetchTotal  *prometheus.CounterVec
	registry       prometheus.Registerer
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_decisions_total",
				Help: "Pipeline stage outcomes by stage, outcome, and error code",
			},
			[]string{"stage", "outcome", "code"},
		),
		KeyFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_key_fetches_total",
				Help: "Signing key set fetches by result",
			},
			[]string{"result"},
		),
		registry: reg,
	}
	reg.MustRegister(m.DecisionsTotal, m.KeyFetchTotal)
	return m
}

// TrackKeyCache exports the number of cached signing keys as
// authgate_key_cache_size.
func (m *Metrics) TrackKeyCache(cache *auth.KeyCache) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "authgate_key_cache_size",
			Help: "Signing keys currently held in the key cache",
		},
		func() float64 { return float64(cache.Len()) },
	))
}

// ObserveKeyFetch records one key-set fetch. Its signature matches
// [auth.FetchObserver].
func (m *Metrics) ObserveKeyFetch(_ int, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.KeyFetchTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeDecision(stage string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.DecisionsTotal.WithLabelValues(stage, "pass", "").Inc()
		return
	}
	m.DecisionsTotal.WithLabelValues(stage, "reject", sserr.FromError(err).Code.String()).Inc()
}
