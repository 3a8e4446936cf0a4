package callsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const autoRejectTimeout = 5 * time.Second

// InviteUpdate reports an invite becoming pending or being cleared.
type InviteUpdate struct {
	Invite  IncomingInvite
	Pending bool
}

// Manager holds the telephony subscription between calls. It tracks at most
// one pending invite and one active coordinator; a second invite while either
// exists is rejected.
type Manager struct {
	gw   Gateways
	opts []Option
	log  *logrus.Entry

	mu       sync.Mutex
	invite   *IncomingInvite
	active   *Coordinator
	busy     bool
	closed   bool
	sub      Subscription
	nextID   int
	handlers map[int]func(InviteUpdate)
}

// NewManager subscribes to the telephony stream. opts are passed to every
// coordinator the manager attaches.
func NewManager(gw Gateways, log *logrus.Entry, opts ...Option) (*Manager, error) {
	if gw.Telephony == nil {
		return nil, fmt.Errorf("new manager: telephony: %w", ErrSessionUnavailable)
	}
	if log == nil {
		log = logrus.WithField("name", "core")
	}
	m := &Manager{
		gw:       gw,
		opts:     append([]Option{WithLogger(log)}, opts...),
		log:      log,
		handlers: make(map[int]func(InviteUpdate)),
	}
	m.sub = gw.Telephony.Subscribe(m.onTelephony)
	return m, nil
}

// SubscribeInvites registers fn for invite updates. fn runs on the telephony
// delivery goroutine.
func (m *Manager) SubscribeInvites(fn func(InviteUpdate)) Subscription {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	})
}

// PendingInvite returns the invite awaiting a decision, if any.
func (m *Manager) PendingInvite() (IncomingInvite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invite == nil {
		return IncomingInvite{}, false
	}
	return *m.invite, true
}

// Active returns the coordinator of the live call, nil if there is none.
func (m *Manager) Active() *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// Dial places an outgoing call and attaches a coordinator to it.
func (m *Manager) Dial(ctx context.Context, target string) (*Coordinator, error) {
	m.mu.Lock()
	if err := m.reserveLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.invite != nil {
		m.busy = false
		m.mu.Unlock()
		return nil, ErrInvitePending
	}
	m.mu.Unlock()

	call, err := m.gw.Telephony.Connect(ctx, target)
	if err != nil {
		m.unreserve()
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return m.attach(ctx, call)
}

// AcceptInvite answers the pending invite and attaches a coordinator to the call.
func (m *Manager) AcceptInvite(ctx context.Context) (*Coordinator, error) {
	m.mu.Lock()
	if m.invite == nil {
		m.mu.Unlock()
		return nil, ErrNoInvite
	}
	if err := m.reserveLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	inv := *m.invite
	m.invite = nil
	m.mu.Unlock()
	m.notify(InviteUpdate{Invite: inv})

	call, err := m.gw.Telephony.AcceptInvite(ctx, inv.ID)
	if err != nil {
		m.unreserve()
		return nil, fmt.Errorf("accept invite %s: %w", inv.ID, err)
	}
	return m.attach(ctx, call)
}

// RejectInvite declines the pending invite.
func (m *Manager) RejectInvite(ctx context.Context) error {
	m.mu.Lock()
	if m.invite == nil {
		m.mu.Unlock()
		return ErrNoInvite
	}
	inv := *m.invite
	m.invite = nil
	m.mu.Unlock()
	m.notify(InviteUpdate{Invite: inv})

	InvitesRejected.WithLabelValues("user").Inc()
	if err := m.gw.Telephony.RejectInvite(ctx, inv.ID); err != nil {
		return fmt.Errorf("reject invite %s: %w", inv.ID, err)
	}
	return nil
}

// Close drops the telephony subscription and discards the active coordinator.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := m.active
	m.active = nil
	m.mu.Unlock()

	m.sub.Unsubscribe()
	if active != nil {
		active.Close()
	}
}

func (m *Manager) reserveLocked() error {
	if m.closed {
		return ErrSessionClosed
	}
	if m.busy || m.activeLocked() != nil {
		return ErrCallActive
	}
	m.busy = true
	return nil
}

func (m *Manager) unreserve() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

func (m *Manager) attach(ctx context.Context, call CallHandle) (*Coordinator, error) {
	c, err := Attach(ctx, call, StateConnecting, m.gw, m.opts...)
	m.mu.Lock()
	m.busy = false
	closed := m.closed
	if err == nil && !closed {
		m.active = c
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if closed {
		// Close ran while the gateway was connecting
		c.Close()
		return nil, ErrSessionClosed
	}
	go m.watch(c)
	return c, nil
}

func (m *Manager) watch(c *Coordinator) {
	<-c.Done()
	m.mu.Lock()
	if m.active == c {
		m.active = nil
	}
	m.mu.Unlock()
	m.log.WithField("sid", c.ID()).Debug("session released")
}

func (m *Manager) activeLocked() *Coordinator {
	if m.active == nil {
		return nil
	}
	select {
	case <-m.active.Done():
		return nil
	default:
		return m.active
	}
}

func (m *Manager) onTelephony(ev TelephonyEvent) {
	switch ev.Kind {
	case EventInviteReceived:
		m.onInvite(ev.Invite)
	case EventInviteCancelled:
		m.onInviteCancelled(ev.Invite)
	}
}

func (m *Manager) onInvite(inv IncomingInvite) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	cause := ""
	switch {
	case m.invite != nil:
		cause = "invite-pending"
	case m.busy || m.activeLocked() != nil:
		cause = "call-active"
	}
	if cause != "" {
		m.mu.Unlock()
		m.log.Infof("rejecting invite %s from %s: %s", inv.ID, inv.Remote, cause)
		InvitesRejected.WithLabelValues(cause).Inc()
		go m.autoReject(inv.ID)
		return
	}
	m.invite = &inv
	m.mu.Unlock()

	m.log.Infof("invite %s from %s", inv.ID, inv.Remote)
	m.notify(InviteUpdate{Invite: inv, Pending: true})
}

func (m *Manager) autoReject(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), autoRejectTimeout)
	defer cancel()
	if err := m.gw.Telephony.RejectInvite(ctx, id); err != nil {
		m.log.Warnf("reject invite %s: %v", id, err)
	}
}

func (m *Manager) onInviteCancelled(inv IncomingInvite) {
	m.mu.Lock()
	if m.invite == nil || m.invite.ID != inv.ID {
		m.mu.Unlock()
		return
	}
	cleared := *m.invite
	m.invite = nil
	m.mu.Unlock()

	m.log.Infof("invite %s withdrawn", inv.ID)
	m.notify(InviteUpdate{Invite: cleared})
}

func (m *Manager) notify(u InviteUpdate) {
	m.mu.Lock()
	handlers := make([]func(InviteUpdate), 0, len(m.handlers))
	for _, fn := range m.handlers {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(u)
	}
}
