package devicesim

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"fieldvoice/callsession"
	"fieldvoice/internal/notify"
)

// Proximity simulates the proximity sensor and the screen wake lock.
type Proximity struct {
	log *logrus.Entry
	q   *notify.Queue[bool]

	mu      sync.Mutex
	started bool
	near    bool
	held    bool
}

func NewProximity(log *logrus.Entry) *Proximity {
	if log == nil {
		log = logrus.WithField("name", "device")
	}
	return &Proximity{log: log, q: notify.NewQueue[bool]()}
}

func (p *Proximity) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.started = true
		p.log.Debug("proximity sensor on")
	}
	return nil
}

// Stop turns the sensor off and drops a held wake lock.
func (p *Proximity) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		p.started = false
		p.log.Debug("proximity sensor off")
	}
	p.releaseLocked()
	return nil
}

func (p *Proximity) AcquireWakeLock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.held {
		p.held = true
		p.log.Info("screen off (wake lock held)")
	}
	return nil
}

func (p *Proximity) ReleaseWakeLock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
	return nil
}

func (p *Proximity) Subscribe(fn func(isNear bool)) callsession.Subscription {
	return callsession.SubscriptionFunc(p.q.Subscribe(fn))
}

// SetNear reports an object near or far. Readings are only emitted while
// the sensor is on.
func (p *Proximity) SetNear(near bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.near = near
	if p.started {
		p.q.Publish(near)
	}
}

// WakeLockHeld reports the lock state.
func (p *Proximity) WakeLockHeld() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// Started reports whether the sensor is on.
func (p *Proximity) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Proximity) Close() { p.q.Close() }

func (p *Proximity) releaseLocked() {
	if p.held {
		p.held = false
		p.log.Info("screen on (wake lock released)")
	}
}

// Ringer simulates the system ringer switch. Start reports the current mode.
type Ringer struct {
	log *logrus.Entry
	q   *notify.Queue[callsession.RingerMode]

	mu      sync.Mutex
	mode    callsession.RingerMode
	started bool
}

func NewRinger(mode callsession.RingerMode, log *logrus.Entry) *Ringer {
	if log == nil {
		log = logrus.WithField("name", "device")
	}
	return &Ringer{log: log, q: notify.NewQueue[callsession.RingerMode](), mode: mode}
}

func (r *Ringer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		r.started = true
		r.q.Publish(r.mode)
	}
	return nil
}

func (r *Ringer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	return nil
}

func (r *Ringer) Subscribe(fn func(callsession.RingerMode)) callsession.Subscription {
	return callsession.SubscriptionFunc(r.q.Subscribe(fn))
}

// SetMode flips the ringer switch.
func (r *Ringer) SetMode(mode callsession.RingerMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == mode {
		return
	}
	r.mode = mode
	r.log.Infof("ringer %s", mode)
	if r.started {
		r.q.Publish(mode)
	}
}

func (r *Ringer) Close() { r.q.Close() }
