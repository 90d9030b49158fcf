// Package gwmetrics provides the Prometheus metrics for the gateway.
package gwmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "meshmini"
	subsystem = "gateway"
)

// Label names.
const (
	labelVerb   = "verb"
	labelReason = "reason"
	labelFrame  = "frame"
)

// -------------------------------------------------------------------------
// Collector: Prometheus Gateway Metrics
// -------------------------------------------------------------------------

// Collector holds all gateway Prometheus metrics.
//
// Designed for unattended solar-site deployments: the reconnect counter and
// last-RX age gauge are the primary health signals, the drop counters flag
// abuse or radio trouble, and the sync counters show replication progress.
type Collector struct {
	// PacketsReceived counts text packets accepted by intake.
	PacketsReceived prometheus.Counter

	// PacketsDropped counts packets dropped by intake or dispatch,
	// labeled with the reason (duplicate, blacklist, rate_limited,
	// no_text, startup_grace).
	PacketsDropped *prometheus.CounterVec

	// Commands counts processed commands per verb.
	Commands *prometheus.CounterVec

	// RepliesSent counts outbound reply frames (post-pagination).
	RepliesSent prometheus.Counter

	// DMsQueued counts store-and-forward DMs accepted into the queue.
	DMsQueued prometheus.Counter

	// DMsDelivered counts queued DMs flushed to their recipient.
	DMsDelivered prometheus.Counter

	// DMsExpired counts queued DMs dropped by TTL expiry.
	DMsExpired prometheus.Counter

	// SyncFramesIn counts accepted peer-sync frames per frame verb.
	SyncFramesIn *prometheus.CounterVec

	// SyncFramesOut counts transmitted peer-sync frames per frame verb.
	SyncFramesOut *prometheus.CounterVec

	// PostsReplicated counts posts applied from peers.
	PostsReplicated prometheus.Counter

	// Reconnects counts watchdog-initiated link reopens.
	Reconnects prometheus.Counter

	// LastRXAge reports seconds since the last received packet.
	LastRXAge prometheus.Gauge
}

// NewCollector creates a Collector with all gateway metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "meshmini_gateway_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsReceived,
		c.PacketsDropped,
		c.Commands,
		c.RepliesSent,
		c.DMsQueued,
		c.DMsDelivered,
		c.DMsExpired,
		c.SyncFramesIn,
		c.SyncFramesOut,
		c.PostsReplicated,
		c.Reconnects,
		c.LastRXAge,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total text packets accepted by intake.",
		}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped by intake or dispatch.",
		}, []string{labelReason}),

		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_total",
			Help:      "Total commands processed per verb.",
		}, []string{labelVerb}),

		RepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replies_sent_total",
			Help:      "Total outbound reply frames after pagination.",
		}),

		DMsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dms_queued_total",
			Help:      "Total store-and-forward DMs queued.",
		}),

		DMsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dms_delivered_total",
			Help:      "Total queued DMs delivered on sighting.",
		}),

		DMsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dms_expired_total",
			Help:      "Total queued DMs dropped by TTL expiry.",
		}),

		SyncFramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_frames_in_total",
			Help:      "Total accepted peer-sync frames per frame verb.",
		}, []string{labelFrame}),

		SyncFramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_frames_out_total",
			Help:      "Total transmitted peer-sync frames per frame verb.",
		}, []string{labelFrame}),

		PostsReplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "posts_replicated_total",
			Help:      "Total posts applied from peer-sync transfers.",
		}),

		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Total watchdog-initiated link reopens.",
		}),

		LastRXAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_rx_age_seconds",
			Help:      "Seconds since the last packet was received.",
		}),
	}
}
