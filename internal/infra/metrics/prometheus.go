package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_messages_consumed_total",
		Help: "Messages settled by a consumer, by outcome",
	}, []string{"consumer", "outcome"})

	RetriesScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_retries_scheduled_total",
		Help: "Messages resubmitted for another attempt, by attempt number",
	}, []string{"consumer", "attempt"})

	DeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_dead_lettered_total",
		Help: "Messages rejected to the dead-letter queue, by reason",
	}, []string{"consumer", "reason"})

	InFlightMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fiapx_in_flight_messages",
		Help: "Unacknowledged messages currently held by a consumer",
	}, []string{"consumer"})

	JobTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_job_transitions_total",
		Help: "Committed job state transitions, by target state",
	}, []string{"status"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fiapx_job_processing_duration_seconds",
		Help:    "Duration of video processing pipeline",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})

	FramesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fiapx_frames_extracted_total",
		Help: "Total number of frames extracted across all jobs",
	})

	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_notifications_sent_total",
		Help: "Notification emails sent, by kind",
	}, []string{"kind"})
)
