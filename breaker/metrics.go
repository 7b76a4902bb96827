package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "breaker_state_transitions_total",
	Help: "The total number of circuit breaker state transitions",
}, []string{"circuit", "to_state"})

var breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "breaker_rejections_total",
	Help: "The total number of calls rejected while a circuit was open",
}, []string{"circuit"})
