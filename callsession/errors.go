package callsession

import "errors"

var (
	// ErrGatewayUnavailable means a gateway is not started, registered or present.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrDeviceNotFound is returned when selecting an id that is not available.
	ErrDeviceNotFound = errors.New("audio device not found")
	// ErrRemoteRejected means the remote party declined the call.
	ErrRemoteRejected = errors.New("remote rejected the call")
	// ErrNetworkLost means signaling was lost while the call was being set up.
	ErrNetworkLost = errors.New("network lost")
	// ErrCommandFailed wraps a mute, device or disconnect command the gateway refused.
	ErrCommandFailed = errors.New("command failed")
	// ErrSessionUnavailable means no telephony session could be created.
	ErrSessionUnavailable = errors.New("session unavailable")

	ErrSessionClosed = errors.New("call session closed")
	ErrInvitePending = errors.New("an invite is already pending")
	ErrNoInvite      = errors.New("no pending invite")
	ErrCallActive    = errors.New("a call is already active")
)
