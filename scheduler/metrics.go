package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "automod_reversal_queue_depth",
		Help: "reversals waiting for their due time",
	})
	attemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automod_reversal_attempts_total",
		Help: "reversal attempts, including retries",
	})
	firedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automod_reversals_completed_total",
		Help: "reversals that completed",
	})
	abandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automod_reversals_abandoned_total",
		Help: "reversals abandoned after running out of attempts",
	})
	cancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automod_reversals_cancelled_total",
		Help: "reversals cancelled before their due time",
	})
)
