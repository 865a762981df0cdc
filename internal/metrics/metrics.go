package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erm_admissions_total",
		Help: "Admission decisions by source and outcome",
	}, []string{"source", "outcome"})

	SuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erm_admissions_suppressed_total",
		Help: "Detections discarded inside the suppression window",
	})

	OpenVisits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erm_open_visits",
		Help: "Current number of non-terminal visits",
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erm_lifecycle_transitions_total",
		Help: "Lifecycle transitions by target state and result",
	}, []string{"to", "result"})

	ApprovalRoundTrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "erm_approval_round_trip_seconds",
		Help:    "Time from approval request send to callback resolution",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	NotifySendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erm_notify_send_failures_total",
		Help: "Approval notification dispatches that failed after retries",
	})

	DevicesOffline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erm_devices_offline",
		Help: "Registered devices currently marked offline",
	})

	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erm_device_heartbeats_total",
		Help: "Heartbeats accepted from registered devices",
	})

	FeedPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erm_feed_publish_failures_total",
		Help: "Change-feed publishes that failed after retries",
	})
)
