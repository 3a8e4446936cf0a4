package callsession

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsAttached counts coordinators attached to a call
	SessionsAttached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldvoice_call_sessions_attached_total",
			Help: "Total number of call sessions attached to a coordinator",
		},
		[]string{"direction"},
	)

	// SessionTeardowns counts teardowns by end reason
	SessionTeardowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldvoice_call_session_teardowns_total",
			Help: "Total number of call session teardowns",
		},
		[]string{"reason"},
	)

	// CallDurationSeconds observes connected time of finished calls
	CallDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldvoice_call_duration_seconds",
			Help:    "Connected duration of finished calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// GatewayUnavailable counts auxiliary gateways that failed to start
	GatewayUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldvoice_gateway_unavailable_total",
			Help: "Total number of gateway start failures",
		},
		[]string{"gateway"},
	)

	// CommandFailures counts failed user commands
	CommandFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldvoice_command_failures_total",
			Help: "Total number of failed call commands",
		},
		[]string{"command"},
	)

	// WakeLockAcquisitions counts wake lock acquisitions
	WakeLockAcquisitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldvoice_wakelock_acquisitions_total",
			Help: "Total number of proximity wake lock acquisitions",
		},
	)

	// StaleProximityEvents counts proximity events ignored because the policy was inactive
	StaleProximityEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldvoice_stale_proximity_events_total",
			Help: "Total number of proximity events ignored under an inactive policy",
		},
	)

	// InvitesRejected counts invites declined by the single-invite policy
	InvitesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldvoice_invites_rejected_total",
			Help: "Total number of invites rejected automatically or by the user",
		},
		[]string{"cause"},
	)
)
