// Package metrics declares the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch metrics
var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_dispatch_total",
			Help: "Total number of dispatched messages by provider and result",
		},
		[]string{"provider", "result"}, // success, failure
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mail_dispatch_duration_seconds",
			Help:    "Duration of provider send calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

// OAuth metrics
var (
	OAuthTokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_token_refresh_total",
			Help: "Total number of Gmail access token refresh attempts",
		},
		[]string{"result"}, // success, failure
	)
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)
)

// SMTP relay metrics
var (
	SMTPRelaySessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_relay_sessions_total",
			Help: "Total number of SMTP relay sessions",
		},
		[]string{"status"}, // accepted, auth_failed
	)
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Result maps a success flag to its label value.
func Result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
