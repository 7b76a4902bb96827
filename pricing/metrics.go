package pricing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var repriceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repricer_reprice_outcomes_total",
	Help: "Completed reprice computations by outcome",
}, []string{"outcome"})

var repriceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repricer_reprice_errors_total",
	Help: "Reprice runs that failed before completing",
})

var repriceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "repricer_reprice_duration_seconds",
	Help:    "Wall time of one full reprice run",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
})
