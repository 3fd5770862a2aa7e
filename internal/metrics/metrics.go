package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatcore_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	// Message lifecycle
	MessagesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_messages_created_total",
			Help: "Messages created",
		},
		[]string{"channel_kind"},
	)

	MessagesEdited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_messages_edited_total",
			Help: "Messages edited",
		},
	)

	OperationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_operation_failures_total",
			Help: "Typed operation failures by operation and code",
		},
		[]string{"operation", "code"},
	)

	ThreadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_threads_created_total",
			Help: "Threads created from replies",
		},
	)

	// Moves
	MessagesMoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_messages_moved_total",
			Help: "Messages relocated between channels",
		},
	)

	// Archive
	ArchiveBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_archive_batches_total",
			Help: "Archive batches converted into forum posts",
		},
	)

	ArchivedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_archived_messages_total",
			Help: "Messages archived into forum posts",
		},
	)

	ArchiveRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_archive_runs_total",
			Help: "Archive runs by outcome",
		},
		[]string{"outcome"}, // "complete" or "failed"
	)

	// Notifications
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_notifications_total",
			Help: "Notification targets by kind",
		},
		[]string{"kind"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatcore_websocket_clients",
			Help: "Connected websocket clients",
		},
	)
)
