package sessionpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sessionpool_requests_total",
	Help: "The total number of marketplace requests by outcome",
}, []string{"circuit", "outcome"})

var contextsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sessionpool_contexts_created_total",
	Help: "The total number of execution contexts created",
})

var contextsReaped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sessionpool_contexts_reaped_total",
	Help: "The total number of idle execution contexts reclaimed",
})
