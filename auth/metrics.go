package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var loginOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "auth_login_outcomes_total",
	Help: "The total number of login attempts by outcome",
}, []string{"outcome"})

var sessionRefreshes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "auth_session_refreshes_total",
	Help: "The total number of automatic session refresh attempts",
})

var reauthMarked = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "auth_reauth_marked_total",
	Help: "The total number of accounts flagged for manual re-authentication",
}, []string{"reason"})
