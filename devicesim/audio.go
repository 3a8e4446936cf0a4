// Package devicesim provides in-process audio route, proximity and ringer
// gateways. Host builds have no phone hardware; the console and the tests
// drive these instead.
package devicesim

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"fieldvoice/callsession"
	"fieldvoice/internal/notify"
)

var (
	_ callsession.AudioRouteGateway      = (*AudioRoute)(nil)
	_ callsession.ProximitySensorGateway = (*Proximity)(nil)
	_ callsession.RingerStateGateway     = (*Ringer)(nil)
)

// AudioRoute simulates the platform audio switch. Route changes are reported
// only while started.
type AudioRoute struct {
	log *logrus.Entry
	q   *notify.Queue[callsession.RouteChange]

	mu       sync.Mutex
	devices  []callsession.AudioDevice
	selected string
	started  bool
}

// DefaultDevices is the built-in handset: earpiece and loudspeaker.
func DefaultDevices() []callsession.AudioDevice {
	return []callsession.AudioDevice{
		{ID: "earpiece", Name: "Phone", Kind: callsession.DeviceEarpiece},
		{ID: "speaker", Name: "Speaker", Kind: callsession.DeviceSpeaker},
	}
}

// NewAudioRoute creates a route over devices with selected as the current
// output. An empty or unknown selected picks the first device.
func NewAudioRoute(devices []callsession.AudioDevice, selected string, log *logrus.Entry) *AudioRoute {
	if log == nil {
		log = logrus.WithField("name", "device")
	}
	a := &AudioRoute{
		log:     log,
		q:       notify.NewQueue[callsession.RouteChange](),
		devices: append([]callsession.AudioDevice(nil), devices...),
	}
	if _, ok := a.findLocked(selected); ok {
		a.selected = selected
	} else if len(devices) > 0 {
		a.selected = devices[0].ID
	}
	return a
}

func (a *AudioRoute) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *AudioRoute) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	return nil
}

func (a *AudioRoute) ListDevices(ctx context.Context) ([]callsession.AudioDevice, *callsession.AudioDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rc := a.routeLocked()
	return rc.Available, rc.Selected, nil
}

func (a *AudioRoute) SelectDevice(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return fmt.Errorf("audio route: %w", callsession.ErrGatewayUnavailable)
	}
	if _, ok := a.findLocked(id); !ok {
		return fmt.Errorf("select %q: %w", id, callsession.ErrDeviceNotFound)
	}
	if a.selected == id {
		return nil
	}
	a.selected = id
	a.log.Infof("audio routed to %s", id)
	a.publishLocked()
	return nil
}

func (a *AudioRoute) Subscribe(fn func(callsession.RouteChange)) callsession.Subscription {
	return callsession.SubscriptionFunc(a.q.Subscribe(fn))
}

// Attach adds a device, as when a headset is plugged in or paired. Headsets
// take the route over.
func (a *AudioRoute) Attach(dev callsession.AudioDevice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i, ok := a.findLocked(dev.ID); ok {
		a.devices[i] = dev
	} else {
		a.devices = append(a.devices, dev)
	}
	if dev.Kind == callsession.DeviceBluetooth || dev.Kind == callsession.DeviceWiredHeadset {
		a.selected = dev.ID
	}
	a.log.Infof("audio device %s (%s) attached", dev.ID, dev.Kind)
	a.publishLocked()
}

// Detach removes a device. If it carried the route, the route falls back to
// the earpiece, or the first remaining device.
func (a *AudioRoute) Detach(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.findLocked(id)
	if !ok {
		return
	}
	a.devices = append(a.devices[:i], a.devices[i+1:]...)
	if a.selected == id {
		a.selected = ""
		for _, d := range a.devices {
			if d.Kind == callsession.DeviceEarpiece {
				a.selected = d.ID
				break
			}
		}
		if a.selected == "" && len(a.devices) > 0 {
			a.selected = a.devices[0].ID
		}
	}
	a.log.Infof("audio device %s detached", id)
	a.publishLocked()
}

// Close stops event delivery.
func (a *AudioRoute) Close() { a.q.Close() }

func (a *AudioRoute) findLocked(id string) (int, bool) {
	for i, d := range a.devices {
		if d.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (a *AudioRoute) routeLocked() callsession.RouteChange {
	rc := callsession.RouteChange{Available: append([]callsession.AudioDevice(nil), a.devices...)}
	if i, ok := a.findLocked(a.selected); ok {
		d := a.devices[i]
		rc.Selected = &d
	}
	return rc
}

func (a *AudioRoute) publishLocked() {
	if a.started {
		a.q.Publish(a.routeLocked())
	}
}
