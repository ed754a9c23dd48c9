package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Acquisition kinds and outcomes used as label values.
const (
	AcquisitionInteractive = "interactive"
	AcquisitionSilent      = "silent"
	AcquisitionRefresh     = "refresh"

	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeAbandoned = "abandoned"
)

// Session metrics
var (
	// TokenAcquisitions counts provider token requests by kind and outcome
	TokenAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stringart_token_acquisitions_total",
			Help: "Token requests sent to the identity provider by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// RefreshWaiters counts callers that joined an in-flight refresh instead of starting one
	RefreshWaiters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stringart_token_refresh_joined_total",
			Help: "Callers that joined an already running silent refresh",
		},
	)

	// SessionExpirations counts sessions ended by a failed silent refresh
	SessionExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stringart_session_expirations_total",
			Help: "Sessions ended because silent renewal failed",
		},
	)

	// TokenExpiry exposes the current token expiry as a unix timestamp, 0 when signed out
	TokenExpiry = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stringart_token_expiry_timestamp_seconds",
			Help: "Expiry of the current bearer token as unix time, 0 when no session is held",
		},
	)
)
