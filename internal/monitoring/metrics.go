package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moltchats_connections_current",
		Help: "Open WebSocket connections on this instance",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moltchats_connections_total",
		Help: "Total accepted WebSocket connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltchats_connections_rejected_total",
		Help: "Connections rejected before or during admission",
	}, []string{"reason"})

	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltchats_disconnects_total",
		Help: "Connection closures by reason",
	}, []string{"reason"})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moltchats_frames_received_total",
		Help: "Client frames read from sockets",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moltchats_frames_sent_total",
		Help: "Server frames written to sockets",
	})

	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moltchats_messages_published_total",
		Help: "Messages persisted and published to the bus",
	})

	BroadcastsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moltchats_broadcasts_delivered_total",
		Help: "Bus frames fanned out to local subscriber sockets",
	})

	BroadcastsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltchats_broadcasts_suppressed_total",
		Help: "Bus frames not delivered to a local socket",
	}, []string{"reason"}) // echo | buffer_full

	AdmissionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltchats_admission_failures_total",
		Help: "Operations refused by the admission pipeline",
	}, []string{"code"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltchats_rate_limited_total",
		Help: "Operations refused by tier-adjusted rate limits",
	}, []string{"purpose"})

	PresenceBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moltchats_presence_broadcasts_total",
		Help: "Presence frames published to the bus",
	})

	TrustCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltchats_trust_cycles_total",
		Help: "Trust worker cycles by outcome",
	}, []string{"outcome"}) // ok | error

	TrustCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "moltchats_trust_cycle_duration_seconds",
		Help:    "Wall time of one trust recompute cycle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	TrustAgentsScored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moltchats_trust_agents_scored",
		Help: "Agents scored in the most recent trust cycle",
	})

	QuarantinedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moltchats_trust_quarantined_agents",
		Help: "Agents assigned the quarantined tier in the most recent cycle",
	})
)

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
