package callsession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Fake gateways. Events are emitted synchronously from the test goroutine so
// each emit is fully processed when it returns.
// ---------------------------------------------------------------------------

type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(T)
	unsubs atomic.Int32
}

func (l *listeners[T]) subscribe(fn func(T)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			l.unsubs.Add(1)
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	})
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

type fakeTelephony struct {
	events listeners[TelephonyEvent]

	mu             sync.Mutex
	status         map[string]CallStatus
	muteErrs       []error
	disconnectErr  []error
	connectErr     error
	connectHook    func()
	disconnectHook func()
	acceptErr      error
	nextCall       CallHandle

	connects    atomic.Int32
	accepts     atomic.Int32
	rejects     atomic.Int32
	mutes       atomic.Int32
	disconnects atomic.Int32
	rejected    []string
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{status: make(map[string]CallStatus)}
}

func (f *fakeTelephony) Connect(ctx context.Context, target string) (CallHandle, error) {
	f.connects.Add(1)
	if f.connectHook != nil {
		f.connectHook()
	}
	if f.connectErr != nil {
		return CallHandle{}, f.connectErr
	}
	h := f.nextCall
	if h.ID == "" {
		h = CallHandle{ID: "out-1", Direction: DirectionOutgoing, Remote: target}
	}
	return h, nil
}

func (f *fakeTelephony) AcceptInvite(ctx context.Context, inviteID string) (CallHandle, error) {
	f.accepts.Add(1)
	if f.acceptErr != nil {
		return CallHandle{}, f.acceptErr
	}
	return CallHandle{ID: inviteID, Direction: DirectionIncoming, Remote: "remote-" + inviteID}, nil
}

func (f *fakeTelephony) RejectInvite(ctx context.Context, inviteID string) error {
	f.rejects.Add(1)
	f.mu.Lock()
	f.rejected = append(f.rejected, inviteID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) Mute(ctx context.Context, call CallHandle, muted bool) error {
	f.mutes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.muteErrs) > 0 {
		err := f.muteErrs[0]
		f.muteErrs = f.muteErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTelephony) Disconnect(ctx context.Context, call CallHandle) error {
	f.disconnects.Add(1)
	if f.disconnectHook != nil {
		f.disconnectHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.disconnectErr) > 0 {
		err := f.disconnectErr[0]
		f.disconnectErr = f.disconnectErr[1:]
		return err
	}
	return nil
}

func (f *fakeTelephony) Status(call CallHandle) (CallStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[call.ID]
	return st, ok
}

func (f *fakeTelephony) Subscribe(fn func(TelephonyEvent)) Subscription {
	return f.events.subscribe(fn)
}

func (f *fakeTelephony) setStatus(id string, st CallStatus) {
	f.mu.Lock()
	f.status[id] = st
	f.mu.Unlock()
}

func (f *fakeTelephony) rejectedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rejected...)
}

func (f *fakeTelephony) connected(h CallHandle) {
	f.events.emit(TelephonyEvent{Kind: EventConnected, Handle: h})
}

func (f *fakeTelephony) disconnected(h CallHandle, reason DisconnectReason) {
	f.events.emit(TelephonyEvent{Kind: EventDisconnected, Handle: h, Reason: reason})
}

func (f *fakeTelephony) invite(id, remote string) {
	f.events.emit(TelephonyEvent{Kind: EventInviteReceived, Invite: IncomingInvite{ID: id, Remote: remote}})
}

type fakeAudioRoute struct {
	events listeners[RouteChange]

	mu        sync.Mutex
	available []AudioDevice
	selected  string
	startErr  error
	selectErr error

	starts  atomic.Int32
	stops   atomic.Int32
	selects atomic.Int32
}

func newFakeAudioRoute(selected string, devices ...AudioDevice) *fakeAudioRoute {
	return &fakeAudioRoute{available: devices, selected: selected}
}

func (f *fakeAudioRoute) Start(ctx context.Context) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeAudioRoute) Stop() error {
	f.stops.Add(1)
	return nil
}

func (f *fakeAudioRoute) ListDevices(ctx context.Context) ([]AudioDevice, *AudioDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routeLocked().Available, f.routeLocked().Selected, nil
}

func (f *fakeAudioRoute) SelectDevice(ctx context.Context, id string) error {
	f.selects.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return f.selectErr
	}
	for _, d := range f.available {
		if d.ID == id {
			f.selected = id
			return nil
		}
	}
	return ErrDeviceNotFound
}

func (f *fakeAudioRoute) Subscribe(fn func(RouteChange)) Subscription {
	return f.events.subscribe(fn)
}

func (f *fakeAudioRoute) routeLocked() RouteChange {
	rc := RouteChange{Available: append([]AudioDevice(nil), f.available...)}
	for _, d := range f.available {
		if d.ID == f.selected {
			d := d
			rc.Selected = &d
		}
	}
	return rc
}

// route switches the selection and emits the new route.
func (f *fakeAudioRoute) route(selected string) {
	f.mu.Lock()
	f.selected = selected
	rc := f.routeLocked()
	f.mu.Unlock()
	f.events.emit(rc)
}

// publish emits the current route, e.g. after a successful SelectDevice.
func (f *fakeAudioRoute) publish() {
	f.mu.Lock()
	rc := f.routeLocked()
	f.mu.Unlock()
	f.events.emit(rc)
}

type fakeProximity struct {
	events listeners[bool]

	mu       sync.Mutex
	held     bool
	started  bool
	startErr error

	starts   atomic.Int32
	stops    atomic.Int32
	acquires atomic.Int32
	releases atomic.Int32
}

func (f *fakeProximity) Start(ctx context.Context) error {
	f.starts.Add(1)
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProximity) Stop() error {
	f.stops.Add(1)
	f.mu.Lock()
	f.started = false
	f.held = false
	f.mu.Unlock()
	return nil
}

func (f *fakeProximity) AcquireWakeLock() error {
	f.acquires.Add(1)
	f.mu.Lock()
	f.held = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProximity) ReleaseWakeLock() error {
	f.releases.Add(1)
	f.mu.Lock()
	f.held = false
	f.mu.Unlock()
	return nil
}

func (f *fakeProximity) Subscribe(fn func(bool)) Subscription {
	return f.events.subscribe(fn)
}

func (f *fakeProximity) isHeld() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}

func (f *fakeProximity) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

type fakeRinger struct {
	events   listeners[RingerMode]
	startErr error
	starts   atomic.Int32
	stops    atomic.Int32
}

func (f *fakeRinger) Start(ctx context.Context) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeRinger) Stop() error {
	f.stops.Add(1)
	return nil
}

func (f *fakeRinger) Subscribe(fn func(RingerMode)) Subscription {
	return f.events.subscribe(fn)
}

var errGatewayDown = errors.New("gateway down")

var (
	earpiece  = AudioDevice{ID: "ear", Name: "Earpiece", Kind: DeviceEarpiece}
	speaker   = AudioDevice{ID: "spk", Name: "Speaker", Kind: DeviceSpeaker}
	bluetooth = AudioDevice{ID: "bt", Name: "Headset", Kind: DeviceBluetooth}
)

type rig struct {
	tel   *fakeTelephony
	audio *fakeAudioRoute
	prox  *fakeProximity
	ring  *fakeRinger
}

func newRig(selected string) *rig {
	return &rig{
		tel:   newFakeTelephony(),
		audio: newFakeAudioRoute(selected, earpiece, speaker, bluetooth),
		prox:  &fakeProximity{},
		ring:  &fakeRinger{},
	}
}

func (r *rig) gateways() Gateways {
	return Gateways{Telephony: r.tel, AudioRoute: r.audio, Proximity: r.prox, Ringer: r.ring}
}
