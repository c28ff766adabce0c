// Package metrics exposes the bridge core's key-lifecycle gauges and
// counters via promauto, with a promhttp.Handler for exposition.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PreKeyCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "radix_prekey_count",
			Help: "Number of unused one-time pre-keys remaining",
		},
	)

	SignedPreKeyCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "radix_signed_prekey_count",
			Help: "Number of signed pre-keys currently on file",
		},
	)

	PQPreKeyCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "radix_pq_prekey_count",
			Help: "Number of post-quantum pre-keys currently on file",
		},
	)

	PreKeyReplenishTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "radix_prekey_replenish_total",
			Help: "Total number of one-time pre-key replenishment batches generated",
		},
	)

	SignedPreKeyRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "radix_signed_prekey_rotations_total",
			Help: "Total number of signed pre-key rotations performed",
		},
	)

	PQPreKeyRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "radix_pq_prekey_rotations_total",
			Help: "Total number of post-quantum pre-key rotations performed",
		},
	)

	RepublishSignalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "radix_republish_signals_total",
			Help: "Total number of times the bridge signaled that its advertised bundle should be republished",
		},
	)

	SessionsEstablishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radix_sessions_established_total",
			Help: "Total number of sessions established, by role",
		},
		[]string{"role"}, // initiator, responder
	)
)

// Handler returns the Prometheus metrics HTTP handler. Wiring metrics
// is optional per the bridge's ambient stack: a caller that never
// mounts this handler still gets working gauges and counters, just
// nobody scrapes them.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPreKeyCounts updates the three pre-key gauges from a single
// snapshot, so callers don't have to import prometheus types
// themselves to report key-manager state.
func RecordPreKeyCounts(oneTime, signed, pq int) {
	PreKeyCount.Set(float64(oneTime))
	SignedPreKeyCount.Set(float64(signed))
	PQPreKeyCount.Set(float64(pq))
}

// RecordSessionEstablished records a session establishment by role.
func RecordSessionEstablished(role string) {
	SessionsEstablishedTotal.WithLabelValues(role).Inc()
}
