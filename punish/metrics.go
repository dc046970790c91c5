package punish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var punishmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_punishments_total",
	Help: "punishments handled by the executor, by kind and outcome",
}, []string{"kind", "outcome"})

var reversalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_reversals_total",
	Help: "reversal actions performed, by action and outcome",
}, []string{"action", "outcome"})
