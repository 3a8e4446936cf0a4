package callsession

import "context"

// Subscription is a cancellable event listener registration. Unsubscribe is
// idempotent and must not wait for deliveries already in flight.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Gateways deliver events on their own goroutines and never invoke a
// subscriber from inside one of their command methods.

// Telephony wraps the voice SDK. Events for one call arrive in order
// Connecting, Connected (optional), Disconnected, and Disconnected is always
// delivered for a call that reached Connecting.
type Telephony interface {
	Connect(ctx context.Context, target string) (CallHandle, error)
	AcceptInvite(ctx context.Context, inviteID string) (CallHandle, error)
	RejectInvite(ctx context.Context, inviteID string) error
	Mute(ctx context.Context, call CallHandle, muted bool) error
	Disconnect(ctx context.Context, call CallHandle) error
	// Status reports the gateway's view of a call, false if unknown.
	Status(call CallHandle) (CallStatus, bool)
	Subscribe(fn func(TelephonyEvent)) Subscription
}

// AudioRouteGateway is the single source of truth for the selected output.
type AudioRouteGateway interface {
	Start(ctx context.Context) error
	Stop() error
	ListDevices(ctx context.Context) (available []AudioDevice, selected *AudioDevice, err error)
	// SelectDevice fails with ErrDeviceNotFound for ids not currently available.
	SelectDevice(ctx context.Context, id string) error
	Subscribe(fn func(RouteChange)) Subscription
}

// ProximitySensorGateway drives the proximity sensor and its wake lock.
// AcquireWakeLock and ReleaseWakeLock are idempotent and Stop releases a held
// wake lock.
type ProximitySensorGateway interface {
	Start(ctx context.Context) error
	Stop() error
	AcquireWakeLock() error
	ReleaseWakeLock() error
	Subscribe(fn func(isNear bool)) Subscription
}

// RingerStateGateway reports the system ringer mode.
type RingerStateGateway interface {
	Start(ctx context.Context) error
	Stop() error
	Subscribe(fn func(RingerMode)) Subscription
}

// Gateways is the set injected into one coordinator. Only Telephony is
// required; a nil auxiliary gateway is treated as unavailable.
type Gateways struct {
	Telephony  Telephony
	AudioRoute AudioRouteGateway
	Proximity  ProximitySensorGateway
	Ringer     RingerStateGateway
}
