// Package media holds the per-call audio controller. Capture and playback
// frames pass through it; the capture side is gated by the mute flag.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Controller represents the audio path of one call.
type Controller interface {
	SetAudioCallbacks(input func([]int16), output func([]int16))
	// Capture feeds one microphone frame towards the network.
	Capture(frame []int16)
	// Playback feeds one received frame towards the speaker.
	Playback(frame []int16)
	SetMuted(muted bool)
	Muted() bool
	Close()
}

// NewController creates a controller with no callbacks attached.
func NewController(log *logrus.Entry) Controller {
	if log == nil {
		log = logrus.WithField("name", "media")
	}
	return &controller{log: log}
}

// ConnectStreams links the capture and playback streams of a call to ctrl.
func ConnectStreams(ctrl Controller, in func([]int16), out func([]int16)) {
	ctrl.SetAudioCallbacks(in, out)
}

type controller struct {
	log   *logrus.Entry
	muted atomic.Bool

	mu     sync.RWMutex
	in     func([]int16)
	out    func([]int16)
	closed bool

	captured atomic.Int64
	played   atomic.Int64
}

func (c *controller) SetAudioCallbacks(input func([]int16), output func([]int16)) {
	c.mu.Lock()
	c.in, c.out = input, output
	c.mu.Unlock()
}

func (c *controller) Capture(frame []int16) {
	c.mu.RLock()
	in, closed := c.in, c.closed
	c.mu.RUnlock()
	if closed || in == nil {
		return
	}
	if c.muted.Load() {
		clear(frame)
	}
	c.captured.Add(1)
	in(frame)
}

func (c *controller) Playback(frame []int16) {
	c.mu.RLock()
	out, closed := c.out, c.closed
	c.mu.RUnlock()
	if closed || out == nil {
		return
	}
	c.played.Add(1)
	out(frame)
}

func (c *controller) SetMuted(muted bool) {
	if c.muted.Swap(muted) != muted {
		c.log.Debugf("capture muted=%t", muted)
	}
}

func (c *controller) Muted() bool { return c.muted.Load() }

func (c *controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.in, c.out = nil, nil
	c.log.Debugf("audio closed after %d captured, %d played frames", c.captured.Load(), c.played.Load())
}
