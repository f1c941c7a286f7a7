package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	emailsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_emails_processed_total",
		Help: "Emails handed to the transport, by provider and outcome.",
	}, []string{"provider", "status"})

	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaign_email_send_duration_seconds",
		Help:    "Latency of a single transport send.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "campaign_batch_duration_seconds",
		Help:    "Time for one batch of concurrent sends to drain.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	activeDispatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_active_dispatches",
		Help: "Campaign dispatches currently running.",
	})

	campaignsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_dispatches_finished_total",
		Help: "Finished campaign dispatches, by final status.",
	}, []string{"status"})
)
