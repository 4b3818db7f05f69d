package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Total number of login attempts by outcome",
		},
		[]string{"result"},
	)

	registrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_registrations_total",
			Help: "Total number of successful user registrations",
		},
	)

	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_refreshes_total",
			Help: "Total number of refresh token rotations by outcome",
		},
		[]string{"result"},
	)

	twoFactorVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_two_factor_verifications_total",
			Help: "Total number of two-factor code submissions by outcome",
		},
		[]string{"result"},
	)
)

// Metric result label values.
const (
	resultSuccess     = "success"
	resultDenied      = "denied"
	resultRateLimited = "rate_limited"
)
