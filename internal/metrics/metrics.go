// Package metrics holds the Prometheus collectors shared by the ingress
// points, the pipeline and the relay sender.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailrelay"

var (
	PipelineOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_outcomes_total",
		Help:      "Pipeline invocations by direction and outcome kind",
	}, []string{"direction", "outcome"})

	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_duration_seconds",
		Help:      "Time spent processing one message",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"direction"})

	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_failures_total",
		Help:      "Recoverable stage failures by stage",
	}, []string{"stage"})

	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_hits_total",
		Help:      "Messages skipped because they were already processed",
	}, []string{"source"})

	POP3Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pop3_cycles_total",
		Help:      "POP3 poll cycles by result",
	}, []string{"result"})

	POP3Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pop3_messages_total",
		Help:      "POP3 messages by disposition",
	}, []string{"disposition"})

	SMTPSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "smtp_sessions_total",
		Help:      "SMTP sessions opened",
	})

	SMTPRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "smtp_rejections_total",
		Help:      "SMTP commands rejected by reason",
	}, []string{"reason"})

	RelayDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_deliveries_total",
		Help:      "Outbound relay attempts by result",
	}, []string{"result"})

	RelayQueue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "relay_queue_jobs",
		Help:      "Relay queue size by status",
	}, []string{"status"})
)
