// Package callsession coordinates one live voice call with the device signal
// sources around it: audio routing, the proximity sensor and its wake lock, and
// the ringer mode.
package callsession

import (
	"fmt"
	"strings"
	"time"
)

// CallState is the lifecycle state of a single call.
type CallState int

const (
	StateIdle CallState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var validTransitions = map[CallState][]CallState{
	StateIdle:         {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateDisconnected},
	StateDisconnected: {},
}

// CanTransitionTo reports whether next directly follows s.
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, st := range validTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the call has ended.
func (s CallState) IsTerminal() bool {
	return s == StateDisconnected
}

// Direction tells who placed the call.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// DisconnectReason explains why a call ended.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonLocalHangup
	ReasonRemoteHangup
	ReasonCancelled
	ReasonRemoteRejected
	ReasonNetworkLost
	// ReasonFailed is a local teardown forced after the telephony gateway refused
	// to disconnect.
	ReasonFailed
	// ReasonDetached means the coordinator was discarded while the call itself
	// may still be up.
	ReasonDetached
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLocalHangup:
		return "local-hangup"
	case ReasonRemoteHangup:
		return "remote-hangup"
	case ReasonCancelled:
		return "cancelled"
	case ReasonRemoteRejected:
		return "remote-rejected"
	case ReasonNetworkLost:
		return "network-lost"
	case ReasonFailed:
		return "failed"
	case ReasonDetached:
		return "detached"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Err maps connect-time failures to their error; normal endings return nil.
func (r DisconnectReason) Err() error {
	switch r {
	case ReasonRemoteRejected:
		return ErrRemoteRejected
	case ReasonNetworkLost:
		return ErrNetworkLost
	default:
		return nil
	}
}

// CallHandle identifies a call inside the telephony gateway.
type CallHandle struct {
	ID        string
	Direction Direction
	Remote    string
}

// CallStatus is what the telephony gateway currently knows about a call.
type CallStatus struct {
	State  CallState
	Reason DisconnectReason
}

// CallSession is the coordinator-owned record of one call.
type CallSession struct {
	Handle         CallHandle
	State          CallState
	ElapsedSeconds int
	Muted          bool
	// Disconnecting is set by a local hangup until the gateway confirms the end.
	Disconnecting bool
}

// IncomingInvite is an unanswered incoming call.
type IncomingInvite struct {
	ID         string
	Remote     string
	ReceivedAt time.Time
}

// DeviceKind classifies an audio output device.
type DeviceKind int

const (
	DeviceUnknown DeviceKind = iota
	DeviceEarpiece
	DeviceSpeaker
	DeviceBluetooth
	DeviceWiredHeadset
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceEarpiece:
		return "earpiece"
	case DeviceSpeaker:
		return "speaker"
	case DeviceBluetooth:
		return "bluetooth"
	case DeviceWiredHeadset:
		return "wired-headset"
	default:
		return "unknown"
	}
}

// ParseDeviceKind accepts the names platform audio switches report.
func ParseDeviceKind(s string) DeviceKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "earpiece":
		return DeviceEarpiece
	case "speaker", "speakerphone":
		return DeviceSpeaker
	case "bluetooth":
		return DeviceBluetooth
	case "wired-headset", "wired_headset", "wiredheadset", "headset":
		return DeviceWiredHeadset
	default:
		return DeviceUnknown
	}
}

// AudioDevice is one selectable audio output.
type AudioDevice struct {
	ID   string
	Name string
	Kind DeviceKind
}

// RouteChange is a snapshot of the available and selected audio devices.
type RouteChange struct {
	Available []AudioDevice
	Selected  *AudioDevice
}

// RingerMode is the system ringer setting. Advisory only.
type RingerMode int

const (
	RingerUnknown RingerMode = iota
	RingerSilent
	RingerVibrate
	RingerNormal
)

func (m RingerMode) String() string {
	switch m {
	case RingerSilent:
		return "silent"
	case RingerVibrate:
		return "vibrate"
	case RingerNormal:
		return "normal"
	default:
		return "unknown"
	}
}

// ParseRingerMode maps a platform ringer status string.
func ParseRingerMode(s string) RingerMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent":
		return RingerSilent
	case "vibrate":
		return RingerVibrate
	case "normal":
		return RingerNormal
	default:
		return RingerUnknown
	}
}

// TelephonyEventKind enumerates events on the telephony stream.
type TelephonyEventKind int

const (
	EventInviteReceived TelephonyEventKind = iota
	EventInviteCancelled
	EventConnecting
	EventConnected
	EventDisconnected
)

func (k TelephonyEventKind) String() string {
	switch k {
	case EventInviteReceived:
		return "invite-received"
	case EventInviteCancelled:
		return "invite-cancelled"
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// TelephonyEvent is one entry of the telephony event stream. Invite is set for
// invite events, Handle for call events and Reason for EventDisconnected.
type TelephonyEvent struct {
	Kind   TelephonyEventKind
	Handle CallHandle
	Invite IncomingInvite
	Reason DisconnectReason
}

// proximityActive is the proximity policy: the sensor only matters while the
// call is played through the earpiece.
func proximityActive(selected *AudioDevice) bool {
	return selected != nil && selected.Kind == DeviceEarpiece
}
