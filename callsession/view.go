package callsession

import (
	"fmt"
	"sync"
)

// CallSessionView is the read-only snapshot handed to the presentation layer.
type CallSessionView struct {
	CallID           string
	Direction        Direction
	Remote           string
	State            CallState
	Disconnecting    bool
	ElapsedSeconds   int
	Muted            bool
	AvailableDevices []AudioDevice
	SelectedDevice   *AudioDevice
	RingerMode       RingerMode
	ProximityActive  bool
	WakeLockHeld     bool
	EndReason        DisconnectReason
	// Failure is set when the call ended abnormally (rejected, network lost,
	// forced teardown). Nil for a normal hangup.
	Failure error
	// CommandError is the last failed mute or device switch, cleared by the
	// next successful command.
	CommandError error
}

// Elapsed formats the call duration as mm:ss.
func (v CallSessionView) Elapsed() string {
	return fmt.Sprintf("%02d:%02d", v.ElapsedSeconds/60, v.ElapsedSeconds%60)
}

// Terminal reports whether the session has ended.
func (v CallSessionView) Terminal() bool {
	return v.State.IsTerminal()
}

// ControlsEnabled is false while a hangup is in flight or after the end.
func (v CallSessionView) ControlsEnabled() bool {
	return !v.Disconnecting && !v.Terminal()
}

// viewHub delivers the latest snapshot to subscribers from its own goroutine.
// Bursts are coalesced: a subscriber may skip intermediate snapshots but always
// sees the most recent one.
type viewHub struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(CallSessionView)
	latest   CallSessionView
	pending  bool
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func newViewHub(initial CallSessionView) *viewHub {
	h := &viewHub{
		handlers: make(map[int]func(CallSessionView)),
		latest:   initial,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *viewHub) run() {
	for {
		select {
		case <-h.wake:
			h.deliver()
		case <-h.done:
			h.deliver()
			return
		}
	}
}

func (h *viewHub) deliver() {
	h.mu.Lock()
	if !h.pending {
		h.mu.Unlock()
		return
	}
	v := h.latest
	h.pending = false
	handlers := make([]func(CallSessionView), 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(v)
	}
}

func (h *viewHub) publish(v CallSessionView) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.latest = v
	h.pending = true
	h.mu.Unlock()
	h.signal()
}

func (h *viewHub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *viewHub) subscribe(fn func(CallSessionView)) Subscription {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = fn
	closed := h.closed
	h.pending = true
	h.mu.Unlock()
	if !closed {
		h.signal()
	} else {
		fn(h.snapshot())
	}

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	})
}

func (h *viewHub) snapshot() CallSessionView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// close flushes the final snapshot and stops delivery.
func (h *viewHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	close(h.done)
}
