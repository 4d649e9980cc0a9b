package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for monitoring the call session lifecycle
var (
	// Lifecycle metrics
	CallStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_started_total",
		Help: "Total number of call attempts started",
	}, []string{"mode", "role"}) // mode: voice|video, role: initiator|responder

	CallEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Total number of call attempts finalized",
	}, []string{"status"}) // ended, missed, cancelled

	CallConnectedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_connected_duration_seconds",
		Help:    "Duration of calls that reached the connected state",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	CallAnswerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_answer_latency_seconds",
		Help:    "Time from invite to the answered transition",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	// Identity collision guard metrics
	SelfLoopbackRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_self_loopback_rejected_total",
		Help: "Total number of remote publications rejected as mislabeled local tracks",
	})

	// Relay join metrics
	JoinRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_join_retry_total",
		Help: "Total number of relay join retries after an identifier conflict",
	})

	JoinFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_join_failed_total",
		Help: "Total number of join attempts that exhausted the retry budget",
	})

	// Signaling metrics
	SignalingReadMissTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_signaling_read_miss_total",
		Help: "Total number of signaling reads that raced message store lag",
	})

	SignalingPatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signaling_patch_total",
		Help: "Total number of signaling metadata patches",
	}, []string{"status"}) // destination call_status of the patch

	AnswerPollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_answer_poll_ticks_total",
		Help: "Total number of answer poller ticks executed",
	})

	// Recording metrics
	RecordingUploadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_recording_upload_total",
		Help: "Total number of call recording uploads",
	}, []string{"status"}) // ok, error
)
