package automod

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_events_total",
	Help: "platform events seen by the enforcer",
}, []string{"event", "outcome"})

var detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_detections_total",
	Help: "abuse detections, by detector",
}, []string{"detector"})
