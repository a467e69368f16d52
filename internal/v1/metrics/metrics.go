package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the meeting control plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: ovmeet (application-level grouping)
// - subsystem: redis, media, lock, scheduler, room, recording, webhook, names, ratelimit
// - name: specific metric (operations_total, job_runs_total, etc.)
//
// Metric Types:
// - Gauge: Current state (rooms, recordings, queue depth)
// - Counter: Cumulative events (lock acquisitions, deliveries, errors)
// - Histogram: Latency distributions (redis ops, job runs, deliveries)

var (
	// RedisOperationsTotal counts Redis commands by operation and outcome.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total Redis operations by command and outcome",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks Redis command latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ovmeet",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Redis command latency",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	// RedisBreakerState exposes the circuit breaker state (0 closed, 1 half-open, 2 open).
	RedisBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ovmeet",
		Subsystem: "redis",
		Name:      "breaker_state",
		Help:      "Redis circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// MediaServerRequestsTotal counts media-server API calls by operation and outcome.
	MediaServerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "media",
		Name:      "requests_total",
		Help:      "Media server API requests by operation and outcome",
	}, []string{"operation", "status"})

	// MediaServerRequestDuration tracks media-server API latency.
	MediaServerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ovmeet",
		Subsystem: "media",
		Name:      "request_duration_seconds",
		Help:      "Media server API request latency",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"operation"})

	// MediaServerBreakerState exposes the media-server circuit breaker state
	// (0 closed, 1 half-open, 2 open).
	MediaServerBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ovmeet",
		Subsystem: "media",
		Name:      "breaker_state",
		Help:      "Media server circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// LockAcquisitionsTotal counts distributed lock attempts by lock kind.
	// Kind is the prefix of the lock name (scheduled_task, name_alloc, room...),
	// never the full name, to keep cardinality bounded.
	LockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "lock",
		Name:      "acquisitions_total",
		Help:      "Distributed lock acquisition attempts by kind and outcome",
	}, []string{"kind", "status"})

	// SchedulerJobRuns counts scheduled job executions per replica.
	SchedulerJobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduled job executions by job name and outcome",
	}, []string{"job", "status"})

	// SchedulerJobDuration tracks how long each scheduled job takes.
	SchedulerJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ovmeet",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Scheduled job run duration",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
	}, []string{"job"})

	// ActiveRooms tracks rooms currently in active_meeting status.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ovmeet",
		Subsystem: "room",
		Name:      "meetings_active",
		Help:      "Rooms with a meeting currently in progress",
	})

	// RoomsDeletedTotal counts room deletions by trigger.
	RoomsDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "room",
		Name:      "deleted_total",
		Help:      "Rooms deleted by trigger (api, gc, auto_deletion)",
	}, []string{"trigger"})

	// ActiveRecordings tracks egress sessions in STARTING or ACTIVE state.
	ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ovmeet",
		Subsystem: "recording",
		Name:      "active",
		Help:      "Recordings currently starting or in progress",
	})

	// RecordingTransitionsTotal counts recording status transitions.
	RecordingTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "recording",
		Name:      "transitions_total",
		Help:      "Recording state transitions by resulting status",
	}, []string{"status"})

	// WebhookDeliveriesTotal counts outbound webhook deliveries.
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Outbound webhook deliveries by event type and outcome",
	}, []string{"event", "status"})

	// WebhookDeliveryDuration tracks end-to-end delivery latency including retries.
	WebhookDeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ovmeet",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Webhook delivery duration including retries",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"event"})

	// WebhookQueueDepth tracks events waiting in per-room delivery lanes.
	WebhookQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ovmeet",
		Subsystem: "webhook",
		Name:      "queue_depth",
		Help:      "Events queued for webhook delivery",
	})

	// NameReservationsTotal counts participant name reservation outcomes.
	NameReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "names",
		Name:      "reservations_total",
		Help:      "Participant name reservations by outcome",
	}, []string{"status"})

	// RateLimitRequests counts requests admitted by the rate limiter.
	// Route is gin's template path (/api/v1/rooms/:roomId), never the raw URL,
	// to keep cardinality bounded.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests admitted by the rate limiter by route",
	}, []string{"route"})

	// RateLimitExceeded counts requests rejected with 429.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ovmeet",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter by route and key type",
	}, []string{"route", "key"})
)

func IncActiveRecordings() {
	ActiveRecordings.Inc()
}

func DecActiveRecordings() {
	ActiveRecordings.Dec()
}
