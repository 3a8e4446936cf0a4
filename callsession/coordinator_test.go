package callsession

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outgoing = CallHandle{ID: "call-1", Direction: DirectionOutgoing, Remote: "sip:dispatch@example.com"}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func attach(t *testing.T, r *rig, state CallState, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	c, err := Attach(context.Background(), outgoing, state, r.gateways(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Attach
// ---------------------------------------------------------------------------

func TestAttach_RejectsIdleAndTerminalStates(t *testing.T) {
	r := newRig("spk")
	for _, st := range []CallState{StateIdle, StateDisconnected} {
		_, err := Attach(context.Background(), outgoing, st, r.gateways(), WithLogger(testLogger()))
		assert.Error(t, err, st.String())
	}
	_, err := Attach(context.Background(), outgoing, StateConnected, Gateways{}, WithLogger(testLogger()))
	assert.ErrorIs(t, err, ErrSessionUnavailable)
}

func TestAttach_StartsAudioAndRingerButNotProximityOffEarpiece(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected)

	assert.EqualValues(t, 1, r.audio.starts.Load())
	assert.EqualValues(t, 1, r.ring.starts.Load())
	assert.EqualValues(t, 0, r.prox.starts.Load())

	v := c.View()
	assert.Equal(t, StateConnected, v.State)
	require.NotNil(t, v.SelectedDevice)
	assert.Equal(t, "spk", v.SelectedDevice.ID)
	assert.Len(t, v.AvailableDevices, 3)
	assert.False(t, v.ProximityActive)
}

func TestAttach_NoSelectionKeepsProximityOff(t *testing.T) {
	r := newRig("")
	c := attach(t, r, StateConnecting)

	assert.Nil(t, c.View().SelectedDevice)
	assert.EqualValues(t, 0, r.prox.starts.Load())

	r.audio.route("ear")
	assert.EqualValues(t, 1, r.prox.starts.Load())
	assert.True(t, c.View().ProximityActive)
}

func TestAttach_ReconcilesEarlierProgress(t *testing.T) {
	r := newRig("spk")
	r.tel.setStatus(outgoing.ID, CallStatus{State: StateConnected})
	c := attach(t, r, StateConnecting)
	assert.Equal(t, StateConnected, c.View().State)

	r2 := newRig("spk")
	r2.tel.setStatus(outgoing.ID, CallStatus{State: StateDisconnected, Reason: ReasonNetworkLost})
	c2 := attach(t, r2, StateConnecting)
	v := c2.View()
	assert.Equal(t, StateDisconnected, v.State)
	assert.ErrorIs(t, v.Failure, ErrNetworkLost)
	assert.True(t, isClosed(c2.Done()))
	assert.EqualValues(t, 1, r2.audio.stops.Load())
}

// ---------------------------------------------------------------------------
// Proximity policy and wake lock
// ---------------------------------------------------------------------------

func TestProximity_NearAcquiresFarReleasesOnEarpiece(t *testing.T) {
	r := newRig("ear")
	c := attach(t, r, StateConnected)
	require.EqualValues(t, 1, r.prox.starts.Load())

	r.prox.events.emit(true)
	assert.True(t, c.View().WakeLockHeld)
	assert.True(t, r.prox.isHeld())

	r.prox.events.emit(false)
	assert.False(t, c.View().WakeLockHeld)
	assert.False(t, r.prox.isHeld())
}

func TestProximity_RouteOffEarpieceStopsSensorAndReleasesLock(t *testing.T) {
	r := newRig("ear")
	c := attach(t, r, StateConnected)
	r.prox.events.emit(true)
	require.True(t, r.prox.isHeld())
	releases := r.prox.releases.Load()

	r.audio.route("bt")

	assert.EqualValues(t, 1, r.prox.stops.Load())
	assert.Greater(t, r.prox.releases.Load(), releases)
	assert.False(t, r.prox.isStarted())
	assert.False(t, r.prox.isHeld())
	v := c.View()
	assert.False(t, v.WakeLockHeld)
	assert.False(t, v.ProximityActive)
	assert.Equal(t, "bt", v.SelectedDevice.ID)
}

func TestProximity_StaleNearAfterRouteChangeIsIgnored(t *testing.T) {
	r := newRig("ear")
	c := attach(t, r, StateConnected)

	r.audio.route("spk")
	r.prox.events.emit(true)

	assert.EqualValues(t, 0, r.prox.acquires.Load())
	assert.False(t, r.prox.isHeld())
	assert.False(t, c.View().WakeLockHeld)
}

func TestProximity_BackOnEarpieceRestartsSensor(t *testing.T) {
	r := newRig("ear")
	c := attach(t, r, StateConnected)

	r.audio.route("spk")
	r.audio.route("ear")
	assert.EqualValues(t, 2, r.prox.starts.Load())
	assert.EqualValues(t, 1, r.prox.stops.Load())

	r.prox.events.emit(true)
	assert.True(t, c.View().WakeLockHeld)
}

func TestProximity_StartFailureDegradesWithoutWakeLock(t *testing.T) {
	r := newRig("ear")
	r.prox.startErr = errGatewayDown
	c := attach(t, r, StateConnected)

	r.prox.events.emit(true)
	assert.EqualValues(t, 0, r.prox.acquires.Load())
	assert.False(t, c.View().WakeLockHeld)
	assert.Equal(t, StateConnected, c.View().State)

	// one failed start disables the sensor for the rest of the session
	r.audio.route("spk")
	r.audio.route("ear")
	assert.EqualValues(t, 1, r.prox.starts.Load())
}

func TestProximity_WakeLockNeverHeldWithoutPolicy(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	routes := []string{"ear", "spk", "bt", ""}

	r := newRig("ear")
	c := attach(t, r, StateConnected)

	for i := 0; i < 500; i++ {
		if rnd.Intn(2) == 0 {
			r.audio.route(routes[rnd.Intn(len(routes))])
		} else {
			r.prox.events.emit(rnd.Intn(2) == 0)
		}
		v := c.View()
		if v.WakeLockHeld {
			require.True(t, v.ProximityActive, "step %d: wake lock held with inactive policy", i)
		}
		if r.prox.isHeld() {
			require.True(t, v.ProximityActive, "step %d: gateway lock held with inactive policy", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Call state and timer
// ---------------------------------------------------------------------------

func TestTimer_CountsOnlyWhileConnected(t *testing.T) {
	mock := clock.NewMock()
	r := newRig("spk")
	c := attach(t, r, StateConnecting, WithClock(mock))

	mock.Add(3 * time.Second)
	assert.Equal(t, 0, c.View().ElapsedSeconds)

	r.tel.connected(outgoing)
	require.Equal(t, StateConnected, c.View().State)
	for i := 1; i <= 3; i++ {
		mock.Add(time.Second)
		want := i
		require.Eventually(t, func() bool { return c.View().ElapsedSeconds == want }, time.Second, time.Millisecond)
	}
	assert.Equal(t, "00:03", c.View().Elapsed())

	r.tel.disconnected(outgoing, ReasonRemoteHangup)
	mock.Add(5 * time.Second)
	assert.Equal(t, 3, c.View().ElapsedSeconds)
}

func TestCallState_OnlyForwardTransitions(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected)

	// a late connecting event must not move the call backwards
	r.tel.events.emit(TelephonyEvent{Kind: EventConnecting, Handle: outgoing})
	assert.Equal(t, StateConnected, c.View().State)

	r.tel.disconnected(outgoing, ReasonRemoteHangup)
	r.tel.connected(outgoing)
	assert.Equal(t, StateDisconnected, c.View().State)
}

func TestCallState_ConnectFailureSkipsConnected(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnecting)

	r.tel.disconnected(outgoing, ReasonRemoteRejected)
	v := c.View()
	assert.Equal(t, StateDisconnected, v.State)
	assert.Equal(t, ReasonRemoteRejected, v.EndReason)
	assert.ErrorIs(t, v.Failure, ErrRemoteRejected)
	assert.Equal(t, 0, v.ElapsedSeconds)
}

func TestEventsForOtherCallsAreIgnored(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnecting)

	other := CallHandle{ID: "call-2"}
	r.tel.connected(other)
	r.tel.disconnected(other, ReasonRemoteHangup)
	assert.Equal(t, StateConnecting, c.View().State)
	assert.False(t, isClosed(c.Done()))
}

func TestRingerModeIsReflectedInView(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected)

	r.ring.events.emit(RingerVibrate)
	assert.Equal(t, RingerVibrate, c.View().RingerMode)
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func TestTeardown_IsIdempotent(t *testing.T) {
	r := newRig("ear")
	c := attach(t, r, StateConnected)
	r.prox.events.emit(true)
	releasesBefore := r.prox.releases.Load()

	r.tel.disconnected(outgoing, ReasonRemoteHangup)
	first := c.View()

	r.tel.disconnected(outgoing, ReasonRemoteHangup)
	c.Close()
	assert.NoError(t, c.Hangup(context.Background()))
	c.Close()

	assert.Equal(t, first, c.View())
	assert.Equal(t, releasesBefore+1, r.prox.releases.Load())
	assert.EqualValues(t, 1, r.prox.stops.Load())
	assert.EqualValues(t, 1, r.audio.stops.Load())
	assert.EqualValues(t, 1, r.ring.stops.Load())
	assert.EqualValues(t, 0, r.tel.disconnects.Load())
	assert.Equal(t, 0, r.tel.events.count())
	assert.Equal(t, 0, r.audio.events.count())
	assert.Equal(t, 0, r.prox.events.count())
	assert.Equal(t, 0, r.ring.events.count())
	assert.False(t, r.prox.isHeld())
	assert.True(t, isClosed(c.Done()))
	assert.Equal(t, ReasonRemoteHangup, first.EndReason)
	assert.NoError(t, first.Failure)
}

func TestTeardown_BeforeProximityStartedStillReleasesLock(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnecting)

	c.Close()

	assert.EqualValues(t, 0, r.prox.stops.Load())
	assert.EqualValues(t, 1, r.prox.releases.Load())
	assert.Equal(t, ReasonDetached, c.View().EndReason)
}

func TestTeardown_SkipsGatewaysThatNeverStarted(t *testing.T) {
	r := newRig("spk")
	r.audio.startErr = errGatewayDown
	r.ring.startErr = errGatewayDown
	c := attach(t, r, StateConnected)

	assert.Equal(t, StateConnected, c.View().State)
	assert.ErrorIs(t, c.SelectDevice(context.Background(), "spk"), ErrGatewayUnavailable)

	c.Close()
	assert.EqualValues(t, 0, r.audio.stops.Load())
	assert.EqualValues(t, 0, r.ring.stops.Load())
}

func TestTeardown_WithoutAuxiliaryGateways(t *testing.T) {
	tel := newFakeTelephony()
	c, err := Attach(context.Background(), outgoing, StateConnected, Gateways{Telephony: tel}, WithLogger(testLogger()))
	require.NoError(t, err)

	tel.disconnected(outgoing, ReasonRemoteHangup)
	assert.True(t, c.View().Terminal())
	assert.Equal(t, 0, tel.events.count())
}

func TestTeardown_DeliversFinalViewToSubscribers(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected)

	var mu sync.Mutex
	var last CallSessionView
	sub := c.Subscribe(func(v CallSessionView) {
		mu.Lock()
		last = v
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	r.tel.disconnected(outgoing, ReasonRemoteHangup)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.Terminal()
	}, time.Second, time.Millisecond)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestToggleMute(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected)

	require.NoError(t, c.ToggleMute(context.Background()))
	assert.True(t, c.View().Muted)

	r.tel.muteErrs = []error{errGatewayDown}
	err := c.ToggleMute(context.Background())
	assert.ErrorIs(t, err, ErrCommandFailed)
	v := c.View()
	assert.True(t, v.Muted)
	assert.ErrorIs(t, v.CommandError, ErrCommandFailed)

	require.NoError(t, c.ToggleMute(context.Background()))
	v = c.View()
	assert.False(t, v.Muted)
	assert.NoError(t, v.CommandError)
	assert.EqualValues(t, 3, r.tel.mutes.Load())
}

func TestSelectDevice_UnknownIDLeavesSelection(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected)

	err := c.SelectDevice(context.Background(), "nonexistent-id")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	v := c.View()
	require.NotNil(t, v.SelectedDevice)
	assert.Equal(t, "spk", v.SelectedDevice.ID)
	assert.ErrorIs(t, v.CommandError, ErrDeviceNotFound)
}

func TestSelectDevice_SelectionFollowsGatewayRoute(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected, WithSelectRate(0))

	require.NoError(t, c.SelectDevice(context.Background(), "ear"))
	// nothing changes until the gateway reports the route
	assert.Equal(t, "spk", c.View().SelectedDevice.ID)
	assert.EqualValues(t, 0, r.prox.starts.Load())

	r.audio.publish()
	assert.Equal(t, "ear", c.View().SelectedDevice.ID)
	assert.EqualValues(t, 1, r.prox.starts.Load())
}

func TestSelectDevice_Throttled(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected, WithSelectRate(1))

	require.NoError(t, c.SelectDevice(context.Background(), "bt"))
	err := c.SelectDevice(context.Background(), "ear")
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.EqualValues(t, 1, r.audio.selects.Load())
}

func TestSelectDevice_GatewayFailureIsCommandFailed(t *testing.T) {
	r := newRig("spk")
	r.audio.selectErr = errGatewayDown
	c := attach(t, r, StateConnected)

	err := c.SelectDevice(context.Background(), "ear")
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.ErrorIs(t, err, errGatewayDown)
}

func TestHangup_TwiceDisconnectsOnce(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Hangup(context.Background()))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, r.tel.disconnects.Load())
	v := c.View()
	assert.True(t, v.Disconnecting)
	assert.False(t, v.ControlsEnabled())
	assert.Equal(t, StateConnected, v.State)
	assert.ErrorIs(t, c.ToggleMute(context.Background()), ErrSessionClosed)

	r.tel.disconnected(outgoing, ReasonLocalHangup)
	v = c.View()
	assert.Equal(t, StateDisconnected, v.State)
	assert.False(t, v.Disconnecting)
	assert.Equal(t, ReasonLocalHangup, v.EndReason)
}

func TestHangup_RetriesOnceThenWaitsForEvent(t *testing.T) {
	r := newRig("ear")
	c := attach(t, r, StateConnected)
	r.tel.disconnectErr = []error{errGatewayDown}

	require.NoError(t, c.Hangup(context.Background()))
	assert.EqualValues(t, 2, r.tel.disconnects.Load())
	assert.False(t, c.View().Terminal())

	r.tel.disconnected(outgoing, ReasonLocalHangup)
	r.tel.disconnected(outgoing, ReasonLocalHangup)

	v := c.View()
	assert.Equal(t, StateDisconnected, v.State)
	assert.NoError(t, v.Failure)
	assert.EqualValues(t, 1, r.audio.stops.Load())
	assert.EqualValues(t, 1, r.prox.stops.Load())
}

func TestHangup_NoRetryAfterCallEnds(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected)
	r.tel.disconnectErr = []error{errGatewayDown}
	// the peer's hangup lands while the first attempt is failing
	r.tel.disconnectHook = func() { r.tel.disconnected(outgoing, ReasonRemoteHangup) }

	assert.NoError(t, c.Hangup(context.Background()))
	assert.EqualValues(t, 1, r.tel.disconnects.Load())

	v := c.View()
	assert.Equal(t, StateDisconnected, v.State)
	assert.Equal(t, ReasonRemoteHangup, v.EndReason)
	assert.NoError(t, v.Failure)
}

func TestHangup_SecondFailureForcesLocalTeardown(t *testing.T) {
	r := newRig("spk")
	c := attach(t, r, StateConnected)
	r.tel.disconnectErr = []error{errGatewayDown, errGatewayDown}

	err := c.Hangup(context.Background())
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.EqualValues(t, 2, r.tel.disconnects.Load())

	v := c.View()
	assert.Equal(t, StateDisconnected, v.State)
	assert.False(t, v.Disconnecting)
	assert.Equal(t, ReasonFailed, v.EndReason)
	assert.ErrorIs(t, v.Failure, ErrCommandFailed)
	assert.True(t, isClosed(c.Done()))
}

func TestHangup_WatchdogEndsSessionWithoutEvent(t *testing.T) {
	mock := clock.NewMock()
	r := newRig("spk")
	c := attach(t, r, StateConnected, WithClock(mock), WithDisconnectTimeout(2*time.Second))

	require.NoError(t, c.Hangup(context.Background()))
	assert.False(t, c.View().Terminal())

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return c.View().Terminal() }, time.Second, time.Millisecond)
	assert.Equal(t, ReasonLocalHangup, c.View().EndReason)
}
