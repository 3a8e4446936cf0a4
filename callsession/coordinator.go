package callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

const (
	defaultDisconnectTimeout = 5 * time.Second
	defaultSelectRate        = 4
	disconnectRetryDelay     = 50 * time.Millisecond
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the base log entry; session fields are added to it.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock replaces the wall clock driving the duration timer.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithDisconnectTimeout bounds each disconnect attempt and the wait for the
// gateway's Disconnected event after a successful hangup.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.disconnectTimeout = d
		}
	}
}

// WithSelectRate limits device switch commands per second. Zero disables the limit.
func WithSelectRate(perSecond float64) Option {
	return func(c *Coordinator) {
		if perSecond <= 0 {
			c.selectLimiter = nil
			return
		}
		c.selectLimiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// Coordinator owns one call session and every gateway subscription opened for
// it. All state changes happen under mu, one event at a time.
type Coordinator struct {
	sid               string
	gw                Gateways
	log               *logrus.Entry
	clock             clock.Clock
	disconnectTimeout time.Duration
	selectLimiter     *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	session   CallSession
	available []AudioDevice
	selected  *AudioDevice
	ringer    RingerMode

	routeKnown           bool
	policyActive         bool
	wakeLockHeld         bool
	audioStarted         bool
	ringerStarted        bool
	proximityStarted     bool
	proximityUnavailable bool
	muting               bool

	subs       []Subscription
	ticker     *clock.Ticker
	tickerStop chan struct{}
	watchdog   *clock.Timer

	endReason  DisconnectReason
	failure    error
	commandErr error
	tornDown   bool

	hub  *viewHub
	done chan struct{}
}

// Attach takes ownership of a call that is already Connecting or Connected.
// It subscribes to every gateway, starts the audio route and ringer gateways
// and the duration timer if the call is connected. The proximity sensor is
// started once the selected route turns out to be the earpiece.
func Attach(ctx context.Context, call CallHandle, state CallState, gw Gateways, opts ...Option) (*Coordinator, error) {
	if gw.Telephony == nil {
		return nil, fmt.Errorf("attach %s: telephony: %w", call.ID, ErrSessionUnavailable)
	}
	if state != StateConnecting && state != StateConnected {
		return nil, fmt.Errorf("attach %s: call is %s", call.ID, state)
	}

	c := &Coordinator{
		sid:               uuid.NewString(),
		gw:                gw,
		log:               logrus.WithField("name", "core"),
		clock:             clock.New(),
		disconnectTimeout: defaultDisconnectTimeout,
		selectLimiter:     rate.NewLimiter(defaultSelectRate, 1),
		session:           CallSession{Handle: call, State: state},
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(logrus.Fields{"sid": c.sid, "call": call.ID})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.hub = newViewHub(c.viewLocked())

	SessionsAttached.WithLabelValues(call.Direction.String()).Inc()
	c.log.Infof("attached to %s call with %s (%s)", call.Direction, call.Remote, state)

	c.mu.Lock()
	c.subs = append(c.subs, gw.Telephony.Subscribe(c.onTelephony))
	if gw.Proximity != nil {
		c.subs = append(c.subs, gw.Proximity.Subscribe(c.onProximity))
	}
	if gw.AudioRoute != nil {
		c.subs = append(c.subs, gw.AudioRoute.Subscribe(c.onRouteChanged))
		c.audioStarted = c.startAux(ctx, "audio-route", gw.AudioRoute.Start)
	} else {
		c.unavailable("audio-route", nil)
	}
	if gw.Ringer != nil {
		c.subs = append(c.subs, gw.Ringer.Subscribe(c.onRinger))
		c.ringerStarted = c.startAux(ctx, "ringer", gw.Ringer.Start)
	} else {
		c.unavailable("ringer", nil)
	}
	if state == StateConnected {
		c.startTimerLocked()
	}
	audioStarted := c.audioStarted
	c.mu.Unlock()

	if audioStarted {
		c.loadInitialRoute(ctx)
	}
	c.reconcile()
	return c, nil
}

// loadInitialRoute treats the gateway's current device list as the first route
// change unless a RouteChanged event already got there.
func (c *Coordinator) loadInitialRoute(ctx context.Context) {
	available, selected, err := c.gw.AudioRoute.ListDevices(ctx)
	if err != nil {
		c.log.Warnf("initial audio device list failed: %v", err)
		return
	}
	c.mu.Lock()
	if c.tornDown || c.routeKnown {
		c.mu.Unlock()
		return
	}
	c.applyRouteLocked(RouteChange{Available: available, Selected: selected})
	view := c.viewLocked()
	c.mu.Unlock()
	c.hub.publish(view)
}

// reconcile applies call progress the gateway reported before we subscribed.
func (c *Coordinator) reconcile() {
	status, ok := c.gw.Telephony.Status(c.session.Handle)
	if !ok {
		return
	}
	c.mu.Lock()
	ended := false
	if !c.tornDown {
		switch status.State {
		case StateConnected:
			c.transitionLocked(StateConnected)
		case StateDisconnected:
			ended = c.teardownLocked(status.Reason, status.Reason.Err())
		}
	}
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view, ended)
}

// ID is the coordinator's session id, used in logs.
func (c *Coordinator) ID() string { return c.sid }

// Handle returns the call this coordinator is attached to.
func (c *Coordinator) Handle() CallHandle { return c.session.Handle }

// Done is closed after teardown.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// View returns the current snapshot.
func (c *Coordinator) View() CallSessionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Subscribe registers fn for view updates. fn runs on the coordinator's
// delivery goroutine and may be handed a coalesced snapshot.
func (c *Coordinator) Subscribe(fn func(CallSessionView)) Subscription {
	return c.hub.subscribe(fn)
}

// ToggleMute flips the mute flag once the telephony gateway accepted the
// change. On failure the flag stays and the error is returned and recorded in
// the view.
func (c *Coordinator) ToggleMute(ctx context.Context) error {
	c.mu.Lock()
	if c.tornDown || c.session.Disconnecting {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.muting {
		c.mu.Unlock()
		return fmt.Errorf("%w: mute already in progress", ErrCommandFailed)
	}
	c.muting = true
	target := !c.session.Muted
	call := c.session.Handle
	c.mu.Unlock()

	err := c.gw.Telephony.Mute(ctx, call, target)

	c.mu.Lock()
	c.muting = false
	if err != nil {
		err = fmt.Errorf("%w: mute: %w", ErrCommandFailed, err)
		c.commandErr = err
		CommandFailures.WithLabelValues("mute").Inc()
		c.log.Warnf("mute(%t) failed: %v", target, err)
	} else if !c.tornDown {
		c.session.Muted = target
		c.commandErr = nil
	}
	view := c.viewLocked()
	c.mu.Unlock()
	c.hub.publish(view)
	return err
}

// SelectDevice asks the audio route gateway to switch output. The selection in
// the view only changes when the gateway reports the new route.
func (c *Coordinator) SelectDevice(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.tornDown || c.session.Disconnecting {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if !c.audioStarted {
		c.mu.Unlock()
		return fmt.Errorf("select device: %w", ErrGatewayUnavailable)
	}
	if c.selectLimiter != nil && !c.selectLimiter.Allow() {
		c.mu.Unlock()
		CommandFailures.WithLabelValues("select-device").Inc()
		return fmt.Errorf("%w: device switch throttled", ErrCommandFailed)
	}
	c.mu.Unlock()

	err := c.gw.AudioRoute.SelectDevice(ctx, id)

	c.mu.Lock()
	if err != nil {
		if !errors.Is(err, ErrDeviceNotFound) {
			err = fmt.Errorf("%w: select device: %w", ErrCommandFailed, err)
		}
		c.commandErr = err
		CommandFailures.WithLabelValues("select-device").Inc()
		c.log.Warnf("select device %q failed: %v", id, err)
	} else {
		c.commandErr = nil
	}
	view := c.viewLocked()
	c.mu.Unlock()
	c.hub.publish(view)
	return err
}

// Hangup asks the telephony gateway to end the call and marks the session as
// disconnecting. Teardown runs when the Disconnected event arrives. A failed
// disconnect is retried once; a second failure forces local teardown. Calls
// while disconnecting or after the end are no-ops.
func (c *Coordinator) Hangup(ctx context.Context) error {
	c.mu.Lock()
	if c.tornDown || c.session.Disconnecting {
		c.mu.Unlock()
		return nil
	}
	c.session.Disconnecting = true
	call := c.session.Handle
	view := c.viewLocked()
	c.mu.Unlock()
	c.hub.publish(view)

	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.disconnectTimeout)
			defer cancel()
			return c.gw.Telephony.Disconnect(attemptCtx, call)
		},
		retry.Context(ctx),
		retry.Attempts(2),
		// the Disconnected event may have ended the call between attempts
		retry.RetryIf(func(error) bool { return !c.ended() }),
		retry.Delay(disconnectRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warnf("disconnect attempt %d failed, retrying: %v", n+1, err)
		}),
	)
	if err == nil {
		c.armWatchdog()
		return nil
	}
	if c.ended() {
		return nil
	}

	err = fmt.Errorf("%w: disconnect: %w", ErrCommandFailed, err)
	CommandFailures.WithLabelValues("disconnect").Inc()
	c.log.Errorf("disconnect failed, forcing local teardown: %v", err)
	c.finish(ReasonFailed, err)
	return err
}

func (c *Coordinator) ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tornDown
}

// armWatchdog keeps a lost Disconnected event from leaving the session stuck
// in disconnecting.
func (c *Coordinator) armWatchdog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown || c.watchdog != nil {
		return
	}
	c.watchdog = c.clock.AfterFunc(c.disconnectTimeout, func() {
		c.log.Warn("no disconnected event after hangup, tearing down locally")
		c.finish(ReasonLocalHangup, nil)
	})
}

// Close discards the coordinator, releasing every resource it holds. The call
// itself is left to the telephony gateway.
func (c *Coordinator) Close() {
	c.finish(ReasonDetached, nil)
}

func (c *Coordinator) onTelephony(ev TelephonyEvent) {
	c.mu.Lock()
	if c.tornDown || ev.Handle.ID != c.session.Handle.ID {
		c.mu.Unlock()
		return
	}
	ended := false
	switch ev.Kind {
	case EventConnecting:
		// attach already implies connecting
	case EventConnected:
		c.transitionLocked(StateConnected)
	case EventDisconnected:
		ended = c.teardownLocked(ev.Reason, ev.Reason.Err())
	}
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view, ended)
}

func (c *Coordinator) onRouteChanged(rc RouteChange) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.applyRouteLocked(rc)
	view := c.viewLocked()
	c.mu.Unlock()
	c.hub.publish(view)
}

func (c *Coordinator) onProximity(isNear bool) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	if !c.policyActive || !c.proximityStarted {
		c.mu.Unlock()
		StaleProximityEvents.Inc()
		c.log.Debugf("ignoring proximity near=%t, policy inactive", isNear)
		return
	}
	if isNear {
		if err := c.gw.Proximity.AcquireWakeLock(); err != nil {
			c.log.Warnf("acquire wake lock: %v", err)
		} else if !c.wakeLockHeld {
			c.wakeLockHeld = true
			WakeLockAcquisitions.Inc()
		}
	} else {
		if err := c.gw.Proximity.ReleaseWakeLock(); err != nil {
			c.log.Warnf("release wake lock: %v", err)
		} else {
			c.wakeLockHeld = false
		}
	}
	view := c.viewLocked()
	c.mu.Unlock()
	c.hub.publish(view)
}

func (c *Coordinator) onRinger(mode RingerMode) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.ringer = mode
	view := c.viewLocked()
	c.mu.Unlock()
	c.hub.publish(view)
}

func (c *Coordinator) applyRouteLocked(rc RouteChange) {
	c.routeKnown = true
	c.available = append([]AudioDevice(nil), rc.Available...)
	c.selected = nil
	if rc.Selected != nil {
		d := *rc.Selected
		c.selected = &d
	}

	active := proximityActive(c.selected)
	prev := c.policyActive
	c.policyActive = active
	switch {
	case active && !prev:
		c.log.Debug("earpiece selected, enabling proximity sensor")
		c.startProximityLocked()
	case !active && prev:
		c.log.Debug("earpiece deselected, disabling proximity sensor")
		c.stopProximityLocked()
	}
}

func (c *Coordinator) startProximityLocked() {
	if c.proximityUnavailable || c.proximityStarted {
		return
	}
	if c.gw.Proximity == nil {
		c.proximityUnavailable = true
		c.unavailable("proximity", nil)
		return
	}
	if err := c.gw.Proximity.Start(c.ctx); err != nil {
		c.proximityUnavailable = true
		c.unavailable("proximity", err)
		return
	}
	c.proximityStarted = true
}

// stopProximityLocked also releases the wake lock explicitly, since a near
// event may already be in flight when the route moves off the earpiece.
func (c *Coordinator) stopProximityLocked() {
	if c.gw.Proximity == nil {
		return
	}
	if c.proximityStarted {
		if err := c.gw.Proximity.Stop(); err != nil {
			c.log.Warnf("stop proximity sensor: %v", err)
		}
		c.proximityStarted = false
	}
	if err := c.gw.Proximity.ReleaseWakeLock(); err != nil {
		c.log.Warnf("release wake lock: %v", err)
	}
	c.wakeLockHeld = false
}

func (c *Coordinator) transitionLocked(next CallState) bool {
	prev := c.session.State
	if prev == next {
		return false
	}
	if !prev.CanTransitionTo(next) {
		c.log.Warnf("ignoring call state change %s -> %s", prev, next)
		return false
	}
	c.session.State = next
	c.log.Infof("call %s -> %s", prev, next)
	if next == StateConnected {
		c.startTimerLocked()
	}
	return true
}

func (c *Coordinator) startTimerLocked() {
	if c.ticker != nil {
		return
	}
	c.ticker = c.clock.Ticker(time.Second)
	c.tickerStop = make(chan struct{})
	go c.runTimer(c.ticker, c.tickerStop)
}

func (c *Coordinator) runTimer(t *clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-t.C:
			c.tick()
		case <-stop:
			return
		}
	}
}

func (c *Coordinator) tick() {
	c.mu.Lock()
	if c.tornDown || c.session.State != StateConnected {
		c.mu.Unlock()
		return
	}
	c.session.ElapsedSeconds++
	view := c.viewLocked()
	c.mu.Unlock()
	c.hub.publish(view)
}

func (c *Coordinator) stopTimerLocked() {
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	close(c.tickerStop)
	c.ticker = nil
}

func (c *Coordinator) finish(reason DisconnectReason, failure error) {
	c.mu.Lock()
	ended := c.teardownLocked(reason, failure)
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view, ended)
}

// teardownLocked releases everything the session owns. It runs once; later
// calls return false and change nothing.
func (c *Coordinator) teardownLocked(reason DisconnectReason, failure error) bool {
	if c.tornDown {
		return false
	}
	c.tornDown = true
	prev := c.session.State
	c.session.State = StateDisconnected
	c.session.Disconnecting = false
	c.endReason = reason
	c.failure = failure

	c.stopTimerLocked()
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.cancel()

	var errs error
	if c.gw.Proximity != nil {
		errs = multierr.Append(errs, c.gw.Proximity.ReleaseWakeLock())
		if c.proximityStarted {
			errs = multierr.Append(errs, c.gw.Proximity.Stop())
		}
	}
	c.wakeLockHeld = false
	c.proximityStarted = false
	c.policyActive = false
	if c.audioStarted {
		errs = multierr.Append(errs, c.gw.AudioRoute.Stop())
		c.audioStarted = false
	}
	if c.ringerStarted {
		errs = multierr.Append(errs, c.gw.Ringer.Stop())
		c.ringerStarted = false
	}
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil

	SessionTeardowns.WithLabelValues(reason.String()).Inc()
	if prev == StateConnected {
		CallDurationSeconds.Observe(float64(c.session.ElapsedSeconds))
	}
	entry := c.log.WithFields(logrus.Fields{"reason": reason.String(), "elapsed": c.session.ElapsedSeconds})
	if errs != nil {
		entry.Warnf("teardown released resources with errors: %v", errs)
	}
	if failure != nil {
		entry.Warnf("call ended: %v", failure)
	} else {
		entry.Info("call ended")
	}
	return true
}

func (c *Coordinator) publish(view CallSessionView, ended bool) {
	c.hub.publish(view)
	if ended {
		c.hub.close()
		close(c.done)
	}
}

func (c *Coordinator) startAux(ctx context.Context, name string, start func(context.Context) error) bool {
	if err := start(ctx); err != nil {
		c.unavailable(name, err)
		return false
	}
	return true
}

func (c *Coordinator) unavailable(name string, err error) {
	GatewayUnavailable.WithLabelValues(name).Inc()
	if err == nil {
		c.log.Infof("no %s gateway, continuing without it", name)
		return
	}
	c.log.Warnf("%s gateway unavailable, continuing without it: %v", name, err)
}

func (c *Coordinator) viewLocked() CallSessionView {
	v := CallSessionView{
		CallID:           c.session.Handle.ID,
		Direction:        c.session.Handle.Direction,
		Remote:           c.session.Handle.Remote,
		State:            c.session.State,
		Disconnecting:    c.session.Disconnecting,
		ElapsedSeconds:   c.session.ElapsedSeconds,
		Muted:            c.session.Muted,
		AvailableDevices: append([]AudioDevice(nil), c.available...),
		RingerMode:       c.ringer,
		ProximityActive:  c.policyActive,
		WakeLockHeld:     c.wakeLockHeld,
		EndReason:        c.endReason,
		Failure:          c.failure,
		CommandError:     c.commandErr,
	}
	if c.selected != nil {
		d := *c.selected
		v.SelectedDevice = &d
	}
	return v
}
