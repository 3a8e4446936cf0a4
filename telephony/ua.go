// Package telephony implements the call session capability on SIP: it
// registers with the voice registrar using a bearer voice token, places and
// answers calls, and reports call progress as ordered events.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gosip "github.com/ghettovoice/gosip"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/ghettovoice/gosip/util"
	"github.com/sirupsen/logrus"

	"fieldvoice/callsession"
	"fieldvoice/internal/notify"
	"fieldvoice/media"
)

const keepEnded = 32

var errUnknownCall = errors.New("unknown call")

var _ callsession.Telephony = (*UA)(nil)

// sipServer is the part of gosip.Server the user agent drives.
type sipServer interface {
	OnRequest(method sip.RequestMethod, handler gosip.RequestHandler) error
	RequestWithContext(ctx context.Context, request sip.Request, options ...gosip.RequestWithContextOption) (sip.Response, error)
}

// inviteTx is the part of an INVITE server transaction the user agent needs.
type inviteTx interface {
	Respond(res sip.Response) error
	Cancels() <-chan sip.Request
	Done() <-chan bool
}

// Config describes the local account.
type Config struct {
	// LocalURI is the address of record, e.g. sip:tech1@voice.example.com.
	LocalURI string
	// ContactHost and ContactPort are where the registrar reaches us.
	ContactHost string
	ContactPort int
	// Registrar is the registrar request URI, e.g. sip:voice.example.com.
	Registrar      string
	RegisterExpiry time.Duration
	// InviteTimeout bounds ringing in both directions and the wait for the
	// ACK of an answered call.
	InviteTimeout time.Duration
}

// Option configures a UA.
type Option func(*UA)

func WithLogger(log *logrus.Entry) Option {
	return func(u *UA) {
		if log != nil {
			u.log = log
		}
	}
}

// WithDirectory resolves dial names and caller display names.
func WithDirectory(dir *Directory) Option {
	return func(u *UA) {
		if dir != nil {
			u.dir = dir
		}
	}
}

// WithMedia sets the audio controller factory used for each call.
func WithMedia(newMedia func() media.Controller) Option {
	return func(u *UA) {
		if newMedia != nil {
			u.newMedia = newMedia
		}
	}
}

// UA is a single-account SIP user agent implementing callsession.Telephony.
type UA struct {
	srv      sipServer
	cfg      Config
	tokens   TokenSource
	dir      *Directory
	log      *logrus.Entry
	newMedia func() media.Controller
	events   *notify.Queue[callsession.TelephonyEvent]

	local   *sip.Address
	contact *sip.Address
	regURI  sip.Uri

	mu         sync.Mutex
	handlers   bool
	registered bool
	regCallID  sip.CallID
	regSeq     uint
	cancel     context.CancelFunc
	dialogs    map[string]*dialog
	ended      []string
	invites    map[string]*pendingInvite
	closed     bool
}

type dialog struct {
	handle   callsession.CallHandle
	state    callsession.CallState
	reason   callsession.DisconnectReason
	local    *sip.Address
	remote   *sip.Address
	target   sip.Uri
	cseq     uint
	hangup   bool
	cancel   context.CancelFunc
	ackTimer *time.Timer
	media    media.Controller
}

type pendingInvite struct {
	invite callsession.IncomingInvite
	req    sip.Request
	tx     inviteTx
	timer  *time.Timer
}

// NewUA validates cfg and prepares the user agent. Start registers it.
func NewUA(srv sipServer, cfg Config, tokens TokenSource, opts ...Option) (*UA, error) {
	if cfg.RegisterExpiry <= 0 {
		cfg.RegisterExpiry = 5 * time.Minute
	}
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = 45 * time.Second
	}
	localURI, err := parser.ParseUri(cfg.LocalURI)
	if err != nil {
		return nil, fmt.Errorf("parse local uri: %w", err)
	}
	regURI, err := parser.ParseUri(cfg.Registrar)
	if err != nil {
		return nil, fmt.Errorf("parse registrar uri: %w", err)
	}
	contactURI, err := parser.ParseUri(contactString(localURI, cfg.ContactHost, cfg.ContactPort))
	if err != nil {
		return nil, fmt.Errorf("parse contact uri: %w", err)
	}

	u := &UA{
		srv:     srv,
		cfg:     cfg,
		tokens:  tokens,
		dir:     NewDirectory(nil),
		log:     logrus.WithField("name", "sip"),
		events:  notify.NewQueue[callsession.TelephonyEvent](),
		local:   &sip.Address{Uri: localURI},
		contact: &sip.Address{Uri: contactURI},
		regURI:  regURI,
		dialogs: make(map[string]*dialog),
		invites: make(map[string]*pendingInvite),
	}
	u.newMedia = func() media.Controller { return media.NewController(u.log.WithField("name", "media")) }
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

func contactString(aor sip.Uri, host string, port int) string {
	user := ""
	if aor.User() != nil {
		user = aor.User().String() + "@"
	}
	if host == "" {
		host = aor.Host()
	}
	if port > 0 {
		return fmt.Sprintf("sip:%s%s:%d", user, host, port)
	}
	return fmt.Sprintf("sip:%s%s", user, host)
}

// Start installs the request handlers, registers and keeps the registration
// fresh until Close. A token or registration failure is reported as
// callsession.ErrSessionUnavailable.
func (u *UA) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return callsession.ErrSessionClosed
	}
	installed := u.handlers
	u.handlers = true
	u.mu.Unlock()

	if !installed {
		for method, handler := range map[sip.RequestMethod]gosip.RequestHandler{
			sip.INVITE: u.handleInvite,
			sip.ACK:    u.handleAck,
			sip.BYE:    u.handleBye,
			sip.CANCEL: u.handleCancel,
		} {
			if err := u.srv.OnRequest(method, handler); err != nil {
				return fmt.Errorf("install %s handler: %w", method, err)
			}
		}
	}

	if err := u.register(ctx, u.cfg.RegisterExpiry); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	u.mu.Lock()
	if u.cancel != nil {
		u.cancel()
	}
	u.cancel = cancel
	u.mu.Unlock()
	go u.refreshLoop(runCtx)
	return nil
}

// refreshLoop re-registers at half the expiry with a fresh token.
func (u *UA) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.RegisterExpiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := u.register(ctx, u.cfg.RegisterExpiry); err != nil {
				u.log.Warnf("registration refresh failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (u *UA) register(ctx context.Context, expiry time.Duration) error {
	token, err := u.tokens.Token(ctx)
	if err != nil {
		u.setRegistered(false)
		return err
	}

	u.mu.Lock()
	u.regSeq++
	seq := u.regSeq
	cid := u.regCallID
	u.mu.Unlock()

	from := &sip.Address{Uri: u.local.Uri, Params: sip.NewParams().Add("tag", sip.String{Str: util.RandString(8)})}
	rb := sip.NewRequestBuilder().
		SetMethod(sip.REGISTER).
		SetRecipient(u.regURI).
		SetFrom(from).
		SetTo(&sip.Address{Uri: u.local.Uri}).
		SetContact(u.contact).
		SetSeqNo(seq).
		AddHeader(&sip.GenericHeader{HeaderName: "Expires", Contents: fmt.Sprintf("%d", int(expiry.Seconds()))}).
		AddHeader(&sip.GenericHeader{HeaderName: "Authorization", Contents: "Bearer " + token})
	if cid != "" {
		rb.SetCallID(&cid)
	}
	req, err := rb.Build()
	if err != nil {
		return fmt.Errorf("build REGISTER: %w", err)
	}
	if cid == "" {
		if id, ok := req.CallID(); ok && id != nil {
			u.mu.Lock()
			u.regCallID = *id
			u.mu.Unlock()
		}
	}

	res, err := u.srv.RequestWithContext(ctx, req)
	if err == nil && res != nil && res.StatusCode() >= 300 {
		err = fmt.Errorf("registrar answered %d %s", res.StatusCode(), res.Reason())
	}
	if err != nil {
		u.setRegistered(false)
		return fmt.Errorf("%w: register: %w", callsession.ErrSessionUnavailable, err)
	}
	u.setRegistered(expiry > 0)
	if expiry > 0 {
		u.log.Infof("registered %s at %s for %s", u.local.Uri, u.regURI, expiry)
	} else {
		u.log.Infof("unregistered %s", u.local.Uri)
	}
	return nil
}

func (u *UA) setRegistered(v bool) {
	u.mu.Lock()
	u.registered = v
	u.mu.Unlock()
}

// Registered reports whether the last registration succeeded.
func (u *UA) Registered() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.registered
}

// Close stops refreshing, unregisters and ends every live call locally.
func (u *UA) Close(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	cancel := u.cancel
	registered := u.registered
	invites := u.invites
	u.invites = make(map[string]*pendingInvite)
	for _, d := range u.dialogs {
		if d.cancel != nil {
			d.cancel()
		}
		u.endLocked(d, callsession.ReasonNetworkLost)
	}
	u.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, inv := range invites {
		inv.timer.Stop()
		u.respond(inv.tx, inv.req, 480, "Temporarily Unavailable")
	}
	var err error
	if registered {
		err = u.register(ctx, 0)
	}
	u.events.Close()
	return err
}

func (u *UA) Subscribe(fn func(callsession.TelephonyEvent)) callsession.Subscription {
	return callsession.SubscriptionFunc(u.events.Subscribe(fn))
}

// Connect sends an INVITE to target, a SIP URI or a directory name. It
// returns once the request is on its way; progress arrives as events.
func (u *UA) Connect(ctx context.Context, target string) (callsession.CallHandle, error) {
	if !u.Registered() {
		return callsession.CallHandle{}, fmt.Errorf("connect: %w", callsession.ErrGatewayUnavailable)
	}
	uri, ok := u.dir.Resolve(target)
	if !ok {
		return callsession.CallHandle{}, fmt.Errorf("connect: unknown dial target %q", target)
	}
	toURI, err := parser.ParseUri(uri)
	if err != nil {
		return callsession.CallHandle{}, fmt.Errorf("parse to uri: %w", err)
	}

	local := &sip.Address{Uri: u.local.Uri, Params: sip.NewParams().Add("tag", sip.String{Str: util.RandString(8)})}
	remote := &sip.Address{Uri: toURI}
	req, err := sip.NewRequestBuilder().
		SetMethod(sip.INVITE).
		SetRecipient(toURI).
		SetFrom(local).
		SetTo(remote).
		SetContact(u.contact).
		SetSeqNo(1).
		Build()
	if err != nil {
		return callsession.CallHandle{}, fmt.Errorf("build invite: %w", err)
	}
	cid, _ := req.CallID()
	if cid == nil {
		return callsession.CallHandle{}, errors.New("build invite: no Call-ID")
	}

	inviteCtx, cancel := context.WithTimeout(context.Background(), u.cfg.InviteTimeout)
	d := &dialog{
		handle: callsession.CallHandle{ID: cid.Value(), Direction: callsession.DirectionOutgoing, Remote: u.dir.Name(uri)},
		state:  callsession.StateConnecting,
		local:  local,
		remote: remote,
		target: toURI,
		cseq:   1,
		cancel: cancel,
		media:  u.newMedia(),
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		cancel()
		d.media.Close()
		return callsession.CallHandle{}, callsession.ErrSessionClosed
	}
	u.dialogs[d.handle.ID] = d
	u.events.Publish(callsession.TelephonyEvent{Kind: callsession.EventConnecting, Handle: d.handle})
	u.mu.Unlock()

	u.log.Infof("calling %s (%s)", uri, d.handle.ID)
	go u.runInvite(inviteCtx, cancel, d, req)
	return d.handle, nil
}

func (u *UA) runInvite(ctx context.Context, cancel context.CancelFunc, d *dialog, req sip.Request) {
	defer cancel()
	res, err := u.srv.RequestWithContext(ctx, req)
	code := 0
	if err == nil && res != nil && res.StatusCode() >= 300 {
		code = int(res.StatusCode())
		err = fmt.Errorf("%d %s", res.StatusCode(), res.Reason())
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if d.state.IsTerminal() {
		return
	}
	if err != nil {
		if code == 0 {
			code = failureCode(err)
		}
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		reason := failureReason(code, d.hangup, timedOut)
		u.log.Infof("call %s failed: %v (%s)", d.handle.ID, err, reason)
		u.endLocked(d, reason)
		return
	}

	if toHdr, ok := res.To(); ok && toHdr.Params != nil {
		if tag, ok := toHdr.Params.Get("tag"); ok {
			d.remote = &sip.Address{Uri: d.remote.Uri, Params: sip.NewParams().Add("tag", tag)}
		}
	}
	if ch, ok := res.Contact(); ok && ch.Address != nil {
		if uri, ok := ch.Address.(sip.Uri); ok {
			d.target = uri
		}
	}
	d.cancel = nil
	d.state = callsession.StateConnected
	u.log.Infof("call %s answered", d.handle.ID)
	u.events.Publish(callsession.TelephonyEvent{Kind: callsession.EventConnected, Handle: d.handle})
	if d.hangup {
		// hangup raced the answer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), u.cfg.InviteTimeout)
			defer cancel()
			if err := u.Disconnect(ctx, d.handle); err != nil {
				u.log.Warnf("BYE after late answer on %s: %v", d.handle.ID, err)
			}
		}()
	}
}

// failureCode extracts the final status code from a gosip request error.
func failureCode(err error) int {
	var reqErr *sip.RequestError
	if errors.As(err, &reqErr) {
		return int(reqErr.Code)
	}
	return 0
}

// failureReason maps how an outgoing INVITE ended to a disconnect reason.
func failureReason(code int, localHangup, timedOut bool) callsession.DisconnectReason {
	switch {
	case localHangup:
		return callsession.ReasonLocalHangup
	case timedOut:
		return callsession.ReasonCancelled
	case code == 487:
		return callsession.ReasonCancelled
	case code == 408 || code == 503 || code == 504:
		return callsession.ReasonNetworkLost
	case code >= 300:
		return callsession.ReasonRemoteRejected
	default:
		return callsession.ReasonNetworkLost
	}
}

// AcceptInvite answers the pending invite with 200 OK. The call turns
// connected when the caller's ACK arrives.
func (u *UA) AcceptInvite(ctx context.Context, inviteID string) (callsession.CallHandle, error) {
	u.mu.Lock()
	inv, ok := u.invites[inviteID]
	if !ok {
		u.mu.Unlock()
		return callsession.CallHandle{}, fmt.Errorf("accept %s: %w", inviteID, errUnknownCall)
	}
	delete(u.invites, inviteID)
	inv.timer.Stop()

	res := sip.NewResponseFromRequest("", inv.req, 200, "OK", "")
	tag := sip.String{Str: util.RandString(8)}
	if toHdr, ok := res.To(); ok {
		if toHdr.Params == nil {
			toHdr.Params = sip.NewParams()
		}
		toHdr.Params = toHdr.Params.Add("tag", tag)
	}
	res.AppendHeader(&sip.ContactHeader{Address: u.contact.Uri})

	fromHdr, _ := inv.req.From()
	toHdr, _ := inv.req.To()
	d := &dialog{
		handle: callsession.CallHandle{ID: inviteID, Direction: callsession.DirectionIncoming, Remote: inv.invite.Remote},
		state:  callsession.StateConnecting,
		local:  &sip.Address{Uri: toHdr.Address, Params: sip.NewParams().Add("tag", tag)},
		remote: sip.NewAddressFromFromHeader(fromHdr),
		target: fromHdr.Address,
		cseq:   1,
		media:  u.newMedia(),
	}
	if ch, ok := inv.req.Contact(); ok && ch.Address != nil {
		if uri, ok := ch.Address.(sip.Uri); ok {
			d.target = uri
		}
	}
	u.dialogs[inviteID] = d
	// Connecting goes out before the 200 so an early ACK cannot overtake it
	u.events.Publish(callsession.TelephonyEvent{Kind: callsession.EventConnecting, Handle: d.handle})
	d.ackTimer = time.AfterFunc(u.cfg.InviteTimeout, func() { u.ackTimeout(inviteID) })
	u.mu.Unlock()

	if err := inv.tx.Respond(res); err != nil {
		u.mu.Lock()
		u.endLocked(d, callsession.ReasonNetworkLost)
		u.mu.Unlock()
		return callsession.CallHandle{}, fmt.Errorf("send 200 OK: %w", err)
	}
	u.log.Infof("answered %s from %s", inviteID, inv.invite.Remote)
	return d.handle, nil
}

// RejectInvite declines the pending invite with 486 Busy Here.
func (u *UA) RejectInvite(ctx context.Context, inviteID string) error {
	u.mu.Lock()
	inv, ok := u.invites[inviteID]
	if ok {
		delete(u.invites, inviteID)
		inv.timer.Stop()
	}
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("reject %s: %w", inviteID, errUnknownCall)
	}
	if err := inv.tx.Respond(sip.NewResponseFromRequest("", inv.req, 486, "Busy Here", "")); err != nil {
		return fmt.Errorf("send 486: %w", err)
	}
	u.log.Infof("rejected %s from %s", inviteID, inv.invite.Remote)
	return nil
}

// Mute gates the call's capture stream. It needs no signaling.
func (u *UA) Mute(ctx context.Context, call callsession.CallHandle, muted bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.dialogs[call.ID]
	if !ok || d.state.IsTerminal() {
		return fmt.Errorf("mute %s: %w", call.ID, errUnknownCall)
	}
	d.media.SetMuted(muted)
	return nil
}

// Disconnect cancels a ringing outgoing call or sends BYE on an established
// one. Disconnecting an ended call is a no-op.
func (u *UA) Disconnect(ctx context.Context, call callsession.CallHandle) error {
	u.mu.Lock()
	d, ok := u.dialogs[call.ID]
	if !ok {
		u.mu.Unlock()
		return fmt.Errorf("disconnect %s: %w", call.ID, errUnknownCall)
	}
	if d.state.IsTerminal() {
		u.mu.Unlock()
		return nil
	}
	d.hangup = true
	if d.cancel != nil {
		// RequestWithContext cancels the INVITE transaction; runInvite reports the end
		cancel := d.cancel
		u.mu.Unlock()
		cancel()
		return nil
	}
	d.cseq++
	cid := sip.CallID(call.ID)
	req, err := sip.NewRequestBuilder().
		SetMethod(sip.BYE).
		SetRecipient(d.target).
		SetFrom(d.local).
		SetTo(d.remote).
		SetContact(u.contact).
		SetCallID(&cid).
		SetSeqNo(d.cseq).
		Build()
	u.mu.Unlock()
	if err != nil {
		return fmt.Errorf("build BYE: %w", err)
	}

	res, err := u.srv.RequestWithContext(ctx, req)
	code := failureCode(err)
	if err == nil && res != nil {
		code = int(res.StatusCode())
	}
	// 481: the peer no longer knows the dialog, so it is gone either way
	if err != nil && code != 481 {
		return fmt.Errorf("send BYE: %w", err)
	}

	u.mu.Lock()
	u.endLocked(d, callsession.ReasonLocalHangup)
	u.mu.Unlock()
	u.log.Infof("hung up %s", call.ID)
	return nil
}

// Status reports what the user agent knows about a call.
func (u *UA) Status(call callsession.CallHandle) (callsession.CallStatus, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.dialogs[call.ID]
	if !ok {
		return callsession.CallStatus{}, false
	}
	return callsession.CallStatus{State: d.state, Reason: d.reason}, true
}

// Capture feeds a microphone frame into the call's audio path.
func (u *UA) Capture(call callsession.CallHandle, frame []int16) {
	u.mu.Lock()
	d, ok := u.dialogs[call.ID]
	u.mu.Unlock()
	if ok {
		d.media.Capture(frame)
	}
}

// ConnectAudio links the capture and playback streams of a call.
func (u *UA) ConnectAudio(call callsession.CallHandle, in, out func([]int16)) error {
	u.mu.Lock()
	d, ok := u.dialogs[call.ID]
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("audio %s: %w", call.ID, errUnknownCall)
	}
	media.ConnectStreams(d.media, in, out)
	return nil
}

// endLocked marks d disconnected and emits the event, once.
func (u *UA) endLocked(d *dialog, reason callsession.DisconnectReason) bool {
	if d.state.IsTerminal() {
		return false
	}
	d.state = callsession.StateDisconnected
	d.reason = reason
	d.cancel = nil
	if d.ackTimer != nil {
		d.ackTimer.Stop()
	}
	d.media.Close()
	u.events.Publish(callsession.TelephonyEvent{Kind: callsession.EventDisconnected, Handle: d.handle, Reason: reason})

	u.ended = append(u.ended, d.handle.ID)
	if len(u.ended) > keepEnded {
		delete(u.dialogs, u.ended[0])
		u.ended = u.ended[1:]
	}
	return true
}

func (u *UA) ackTimeout(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if d, ok := u.dialogs[id]; ok && d.state == callsession.StateConnecting {
		u.log.Warnf("no ACK for answered call %s", id)
		u.endLocked(d, callsession.ReasonNetworkLost)
	}
}

func (u *UA) handleInvite(req sip.Request, tx sip.ServerTransaction) {
	u.onInvite(req, tx)
}

func (u *UA) onInvite(req sip.Request, tx inviteTx) {
	u.log.Debugf("received SIP message: %s %s", req.Method(), req.Recipient())
	cid, _ := req.CallID()
	fromHdr, _ := req.From()
	toHdr, _ := req.To()
	if cid == nil || fromHdr == nil || toHdr == nil {
		u.respond(tx, req, 400, "Bad Request")
		return
	}
	id := cid.Value()

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		u.respond(tx, req, 480, "Temporarily Unavailable")
		return
	}
	if _, dup := u.invites[id]; dup {
		u.mu.Unlock()
		return
	}
	if _, dup := u.dialogs[id]; dup {
		// re-INVITE within an existing dialog; session changes are not negotiated
		u.mu.Unlock()
		u.respond(tx, req, 488, "Not Acceptable Here")
		return
	}
	inv := &pendingInvite{
		invite: callsession.IncomingInvite{
			ID:         id,
			Remote:     u.dir.Name(fromHdr.Address.String()),
			ReceivedAt: time.Now(),
		},
		req: req,
		tx:  tx,
	}
	inv.timer = time.AfterFunc(u.cfg.InviteTimeout, func() { u.withdrawInvite(id, 480, "Temporarily Unavailable") })
	u.invites[id] = inv
	u.events.Publish(callsession.TelephonyEvent{Kind: callsession.EventInviteReceived, Invite: inv.invite})
	u.mu.Unlock()

	u.log.Infof("incoming call %s from %s", id, inv.invite.Remote)
	u.respond(tx, req, 180, "Ringing")
	go u.watchInvite(id, tx)
}

// watchInvite withdraws the invite when the caller cancels it.
func (u *UA) watchInvite(id string, tx inviteTx) {
	select {
	case <-tx.Cancels():
		u.withdrawInvite(id, 487, "Request Terminated")
	case <-tx.Done():
	}
}

// withdrawInvite ends a still pending invite with a final response.
func (u *UA) withdrawInvite(id string, code sip.StatusCode, reason string) {
	u.mu.Lock()
	inv, ok := u.invites[id]
	if ok {
		delete(u.invites, id)
		inv.timer.Stop()
		u.events.Publish(callsession.TelephonyEvent{Kind: callsession.EventInviteCancelled, Invite: inv.invite})
	}
	u.mu.Unlock()
	if !ok {
		return
	}
	u.log.Infof("invite %s withdrawn (%d %s)", id, code, reason)
	u.respond(inv.tx, inv.req, code, reason)
}

func (u *UA) handleCancel(req sip.Request, tx sip.ServerTransaction) {
	u.log.Debugf("received SIP message: %s %s", req.Method(), req.Recipient())
	if tx != nil {
		u.respond(tx, req, 200, "OK")
	}
	if cid, ok := req.CallID(); ok && cid != nil {
		u.withdrawInvite(cid.Value(), 487, "Request Terminated")
	}
}

func (u *UA) handleAck(req sip.Request, tx sip.ServerTransaction) {
	u.log.Debugf("received SIP message: %s %s", req.Method(), req.Recipient())
	cid, ok := req.CallID()
	if !ok || cid == nil {
		return
	}
	u.onAck(cid.Value())
}

func (u *UA) onAck(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.dialogs[id]
	if !ok || d.state != callsession.StateConnecting || d.handle.Direction != callsession.DirectionIncoming {
		return
	}
	if d.ackTimer != nil {
		d.ackTimer.Stop()
	}
	d.state = callsession.StateConnected
	u.events.Publish(callsession.TelephonyEvent{Kind: callsession.EventConnected, Handle: d.handle})
}

func (u *UA) handleBye(req sip.Request, tx sip.ServerTransaction) {
	u.log.Debugf("received SIP message: %s %s", req.Method(), req.Recipient())
	cid, ok := req.CallID()
	if !ok || cid == nil {
		return
	}
	if u.onBye(cid.Value()) {
		u.respond(tx, req, 200, "OK")
	} else {
		u.respond(tx, req, 481, "Call/Transaction Does Not Exist")
	}
}

func (u *UA) onBye(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.dialogs[id]
	if !ok || d.state.IsTerminal() {
		return false
	}
	u.log.Infof("remote hung up %s", id)
	u.endLocked(d, callsession.ReasonRemoteHangup)
	return true
}

type responder interface {
	Respond(res sip.Response) error
}

func (u *UA) respond(tx responder, req sip.Request, code sip.StatusCode, reason string) {
	if tx == nil {
		return
	}
	if err := tx.Respond(sip.NewResponseFromRequest("", req, code, reason, "")); err != nil {
		u.log.Warnf("send %d %s: %v", code, reason, err)
	}
}
