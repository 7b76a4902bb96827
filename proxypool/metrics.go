package proxypool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var proxyRotations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proxypool_rotations_total",
	Help: "The total number of proxy rotations",
}, []string{"module"})

var proxyDeaths = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proxypool_deaths_total",
	Help: "The total number of proxies declared dead",
}, []string{"module"})

var proxiesProvisioned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "proxypool_provisioned_total",
	Help: "The total number of proxies purchased and inserted",
})
