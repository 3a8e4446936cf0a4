package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"fieldvoice/callsession"
	"fieldvoice/devicesim"
)

var errQuit = errors.New("quit")

// calls is the part of callsession.Manager the console drives.
type calls interface {
	Dial(ctx context.Context, target string) (*callsession.Coordinator, error)
	AcceptInvite(ctx context.Context) (*callsession.Coordinator, error)
	RejectInvite(ctx context.Context) error
	PendingInvite() (callsession.IncomingInvite, bool)
	Active() *callsession.Coordinator
}

// console is a line-oriented call screen. It stands in for the phone UI:
// it issues session commands and plays the role of the device hardware.
type console struct {
	calls  calls
	audio  *devicesim.AudioRoute
	prox   *devicesim.Proximity
	ringer *devicesim.Ringer
	log    *logrus.Entry

	mu      sync.Mutex
	out     io.Writer
	watched map[string]bool
}

func newConsole(out io.Writer, c calls, audio *devicesim.AudioRoute, prox *devicesim.Proximity, ringer *devicesim.Ringer, log *logrus.Entry) *console {
	return &console{
		calls:   c,
		audio:   audio,
		prox:    prox,
		ringer:  ringer,
		log:     log,
		out:     out,
		watched: make(map[string]bool),
	}
}

const consoleHelp = `commands:
  dial <target>            call a directory name or sip uri
  accept | reject          answer or decline the pending call
  mute                     toggle microphone
  route <device-id>        switch audio output
  devices                  list audio outputs
  hangup                   end the call
  status                   show the call screen
  near | far               simulate the proximity sensor
  ringer <mode>            simulate the ringer switch (silent, vibrate, normal)
  headset <kind> <id>      plug in a headset (bluetooth, wired-headset)
  unplug <id>              remove a headset
  quit`

// run reads commands until EOF, quit or ctx end.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		c.printf("%s\n", consoleHelp)
	case "quit", "exit":
		return errQuit
	case "dial":
		if len(args) != 1 {
			return errors.New("usage: dial <target>")
		}
		co, err := c.calls.Dial(ctx, args[0])
		if err != nil {
			return err
		}
		c.watch(co)
	case "accept":
		co, err := c.calls.AcceptInvite(ctx)
		if err != nil {
			return err
		}
		c.watch(co)
	case "reject":
		return c.calls.RejectInvite(ctx)
	case "mute":
		co, err := c.active()
		if err != nil {
			return err
		}
		return co.ToggleMute(ctx)
	case "route":
		if len(args) != 1 {
			return errors.New("usage: route <device-id>")
		}
		co, err := c.active()
		if err != nil {
			return err
		}
		return co.SelectDevice(ctx, args[0])
	case "devices":
		c.printDevices(ctx)
	case "hangup":
		co, err := c.active()
		if err != nil {
			return err
		}
		return co.Hangup(ctx)
	case "status":
		c.printStatus()
	case "near", "far":
		c.prox.SetNear(cmd == "near")
	case "ringer":
		if len(args) != 1 {
			return errors.New("usage: ringer <silent|vibrate|normal>")
		}
		mode := callsession.ParseRingerMode(args[0])
		if mode == callsession.RingerUnknown {
			return fmt.Errorf("unknown ringer mode %q", args[0])
		}
		c.ringer.SetMode(mode)
	case "headset":
		if len(args) != 2 {
			return errors.New("usage: headset <bluetooth|wired-headset> <id>")
		}
		kind := callsession.ParseDeviceKind(args[0])
		if kind != callsession.DeviceBluetooth && kind != callsession.DeviceWiredHeadset {
			return fmt.Errorf("unknown headset kind %q", args[0])
		}
		c.audio.Attach(callsession.AudioDevice{ID: args[1], Name: args[0] + " " + args[1], Kind: kind})
	case "unplug":
		if len(args) != 1 {
			return errors.New("usage: unplug <id>")
		}
		c.audio.Detach(args[0])
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (c *console) active() (*callsession.Coordinator, error) {
	co := c.calls.Active()
	if co == nil {
		return nil, errors.New("no active call")
	}
	return co, nil
}

// watch prints the call screen whenever something other than the timer
// changes. The subscription lives as long as the session.
func (c *console) watch(co *callsession.Coordinator) {
	c.mu.Lock()
	if c.watched[co.ID()] {
		c.mu.Unlock()
		return
	}
	c.watched[co.ID()] = true
	c.mu.Unlock()

	var last string
	co.Subscribe(func(v callsession.CallSessionView) {
		line := screenLine(v)
		key := line[strings.IndexByte(line, ']')+1:]
		if key == last {
			return
		}
		last = key
		c.printf("%s\n", line)
	})
	go func() {
		<-co.Done()
		c.mu.Lock()
		delete(c.watched, co.ID())
		c.mu.Unlock()
	}()
}

func (c *console) printStatus() {
	if inv, ok := c.calls.PendingInvite(); ok {
		c.printf("incoming call from %s (accept | reject)\n", inv.Remote)
	}
	co := c.calls.Active()
	if co == nil {
		c.printf("no active call\n")
		return
	}
	c.printf("%s\n", screenLine(co.View()))
}

func (c *console) printDevices(ctx context.Context) {
	avail, sel, err := c.audio.ListDevices(ctx)
	if err != nil {
		c.printf("error: %v\n", err)
		return
	}
	for _, d := range avail {
		mark := " "
		if sel != nil && sel.ID == d.ID {
			mark = "*"
		}
		c.printf("%s %-12s %-14s %s\n", mark, d.ID, d.Kind, d.Name)
	}
}

// onInvite reports invite changes and answers when autoAnswer is set.
func (c *console) onInvite(ctx context.Context, autoAnswer bool) func(callsession.InviteUpdate) {
	return func(u callsession.InviteUpdate) {
		if !u.Pending {
			c.printf("invite from %s cleared\n", u.Invite.Remote)
			return
		}
		c.printf("incoming call from %s (accept | reject)\n", u.Invite.Remote)
		if !autoAnswer {
			return
		}
		go func() {
			co, err := c.calls.AcceptInvite(ctx)
			if err != nil {
				c.log.Warnf("auto answer %s: %v", u.Invite.ID, err)
				return
			}
			c.watch(co)
		}()
	}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// screenLine renders a view as one line, the elapsed time first in brackets.
func screenLine(v callsession.CallSessionView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s %s", v.Elapsed(), v.Direction, v.Remote, v.State)
	if v.Disconnecting {
		b.WriteString(" (hanging up)")
	}
	if v.Terminal() {
		fmt.Fprintf(&b, " reason=%s", v.EndReason)
		if v.Failure != nil {
			fmt.Fprintf(&b, " failure=%q", v.Failure.Error())
		}
	}
	if v.SelectedDevice != nil {
		fmt.Fprintf(&b, " route=%s", v.SelectedDevice.ID)
	}
	if v.Muted {
		b.WriteString(" muted")
	}
	if v.ProximityActive {
		b.WriteString(" proximity")
	}
	if v.WakeLockHeld {
		b.WriteString(" screen-off")
	}
	if v.RingerMode != callsession.RingerUnknown {
		fmt.Fprintf(&b, " ringer=%s", v.RingerMode)
	}
	if v.CommandError != nil {
		fmt.Fprintf(&b, " error=%q", v.CommandError.Error())
	}
	return b.String()
}
