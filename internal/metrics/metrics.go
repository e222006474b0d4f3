package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tasteshield"

var (
	// ShieldActive is 1 while shielding is active.
	ShieldActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shield_active",
		Help:      "1 while shielding is active, 0 otherwise.",
	})

	// ShieldTransitions counts activations and deactivations by source or reason.
	ShieldTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shield_transitions_total",
		Help:      "Shield activations and deactivations.",
	}, []string{"transition", "source"})

	// RuleMatches counts rule evaluations that matched.
	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_matches_total",
		Help:      "Rule evaluations that matched.",
	}, []string{"kind"})

	// RuleEvaluationErrors counts rule evaluation cycles that swallowed a platform error.
	RuleEvaluationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_evaluation_errors_total",
		Help:      "Rule evaluation cycles treated as no-match because of a read error.",
	}, []string{"kind"})

	// TracksProtected counts exclusion append outcomes.
	TracksProtected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracks_protected_total",
		Help:      "Tracks appended to the exclusion resource, by outcome.",
	}, []string{"status"})

	// ResourceResolutions counts exclusion resource resolutions by outcome.
	ResourceResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resource_resolutions_total",
		Help:      "Exclusion resource resolutions by outcome.",
	}, []string{"outcome"})

	// APICalls counts raw platform API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw platform API call counts.",
	}, []string{"endpoint", "status"})

	// APIDuration records platform API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "Platform API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// TokenRefreshErrors counts access token refreshes that failed.
	TokenRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refresh_errors_total",
		Help:      "Access token refreshes that failed.",
	})

	// TokenRefreshTotal counts successful access token refreshes.
	TokenRefreshTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refresh_total",
		Help:      "Successful access token refreshes.",
	})

	// JobRuns counts scheduled job executions.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_runs_total",
		Help:      "Scheduled job executions by outcome.",
	}, []string{"job", "status"})

	// JobDuration records scheduled job duration.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Scheduled job duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 15.0, 60.0, 300.0},
	}, []string{"job"})

	// UploadsEnqueued counts history upload jobs placed on the queue.
	UploadsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_enqueued_total",
		Help:      "History upload jobs placed on the queue.",
	})

	// UploadsDropped counts upload jobs discarded without reaching the remote store.
	UploadsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_dropped_total",
		Help:      "History upload jobs discarded.",
	}, []string{"reason"})

	// UploadsProcessed counts upload worker completions.
	UploadsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_processed_total",
		Help:      "History upload worker completions.",
	}, []string{"status"})

	// UploadQueueDepth tracks the current upload channel length.
	UploadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upload_queue_depth",
		Help:      "Current upload channel buffer depth.",
	})

	// HistoryRecords tracks the size of the local history log.
	HistoryRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "history_records",
		Help:      "Play records in the local history log.",
	})

	// DBSizeBytes tracks the local bbolt file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// Notifications counts user-facing notifications by kind.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "User-facing notifications emitted.",
	}, []string{"kind"})
)
