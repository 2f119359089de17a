package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultGracePeriod  = 2 * time.Second
	DefaultTickInterval = time.Second

	roomRequestTimeout = 5 * time.Second
	shutdownTimeout    = 2 * time.Second
)

var ErrControllerStopped = errors.New("call controller stopped")

type CallEventType int

const (
	CallStatusChanged CallEventType = iota
	CallRemoteTrack
	CallDurationTick
)

type CallEvent struct {
	Type      CallEventType
	Session   domain.CallSession
	TrackKind domain.TrackKind
	TrackID   string
}

type CallConfig struct {
	LocalUserID  domain.UserID
	ICEServers   []domain.ICEServer
	GracePeriod  time.Duration
	TickInterval time.Duration
	Now          func() time.Time
}

type intentKind int

const (
	intentStart intentKind = iota
	intentAccept
	intentReject
	intentHangup
	intentSetAudio
	intentSetVideo
	intentReset
	intentSnapshot
)

type intent struct {
	kind   intentKind
	remote domain.UserID
	on     bool
	reply  chan intentReply
}

type intentReply struct {
	session domain.CallSession
	err     error
}

type setupKind int

const (
	setupOutgoing setupKind = iota
	setupIncoming
	setupVideo
)

type setupResult struct {
	gen       uint64
	kind      setupKind
	sessionID domain.SessionID
	tracks    []port.LocalTrack
	err       error
}

type transportEvent struct {
	gen uint64
	ev  port.TransportEvent
}

// CallSessionController owns the single call of a client. Every intent,
// inbound message, transport event and async completion is handled on the
// Run goroutine, one at a time.
type CallSessionController struct {
	cfg       CallConfig
	signaling port.SignalingChannel
	media     port.MediaCapability
	rooms     port.RoomService
	callLog   port.CallLogRepository
	log       zerolog.Logger

	intents         chan intent
	results         chan setupResult
	transportEvents chan transportEvent
	stopped         chan struct{}
	stopOnce        sync.Once

	subsMu sync.Mutex
	subs   map[chan CallEvent]struct{}

	// owned by the Run goroutine
	generation    uint64
	session       *domain.CallSession
	neg           *domain.NegotiationState
	coord         *NegotiationCoordinator
	transport     port.PeerTransport
	tracks        map[domain.TrackKind]port.LocalTrack
	joined        bool
	videoPending  bool
	// The video track was added by renegotiation during the call.
	midCallVideo  bool
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	ticker        *time.Ticker
	grace         *time.Timer
}

func NewCallSessionController(cfg CallConfig, signaling port.SignalingChannel, media port.MediaCapability, rooms port.RoomService, callLog port.CallLogRepository) *CallSessionController {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CallSessionController{
		cfg:             cfg,
		signaling:       signaling,
		media:           media,
		rooms:           rooms,
		callLog:         callLog,
		log:             log.With().Str("component", "call").Stringer("user_id", cfg.LocalUserID).Logger(),
		intents:         make(chan intent),
		results:         make(chan setupResult),
		transportEvents: make(chan transportEvent),
		stopped:         make(chan struct{}),
		subs:            make(map[chan CallEvent]struct{}),
		tracks:          make(map[domain.TrackKind]port.LocalTrack),
	}
}

func (c *CallSessionController) Run(ctx context.Context) error {
	inbound, unsubscribe := c.signaling.Subscribe()
	defer unsubscribe()
	defer c.shutdown(ctx)

	c.log.Info().Msg("Call controller started")
	for {
		var tick, graceC <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C
		}
		if c.grace != nil {
			graceC = c.grace.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case in := <-c.intents:
			c.handleIntent(ctx, in)

		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				c.handleSignalingLost(ctx)
				continue
			}
			c.handleMessage(ctx, msg)

		case res := <-c.results:
			c.handleSetup(ctx, res)

		case te := <-c.transportEvents:
			c.handleTransportEvent(ctx, te)

		case <-tick:
			c.emit(CallEvent{Type: CallDurationTick})

		case <-graceC:
			c.grace = nil
			c.discard()
		}
	}
}

func (c *CallSessionController) shutdown(ctx context.Context) {
	c.stopOnce.Do(func() { close(c.stopped) })
	if c.session != nil && c.session.Status.IsLive() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := c.hangup(sctx); err != nil {
			c.log.Error().Err(err).Msg("Failed to hang up on shutdown")
		}
	}
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	c.log.Info().Msg("Call controller stopped")
}

// Subscribe returns a stream of call events. Slow subscribers lose events
// rather than stall the controller.
func (c *CallSessionController) Subscribe() (<-chan CallEvent, func()) {
	ch := make(chan CallEvent, 64)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

func (c *CallSessionController) StartCall(ctx context.Context, remote domain.UserID, video bool) (domain.CallSession, error) {
	return c.do(ctx, intent{kind: intentStart, remote: remote, on: video})
}

func (c *CallSessionController) Accept(ctx context.Context) (domain.CallSession, error) {
	return c.do(ctx, intent{kind: intentAccept})
}

func (c *CallSessionController) Reject(ctx context.Context) (domain.CallSession, error) {
	return c.do(ctx, intent{kind: intentReject})
}

func (c *CallSessionController) Hangup(ctx context.Context) (domain.CallSession, error) {
	return c.do(ctx, intent{kind: intentHangup})
}

func (c *CallSessionController) SetAudio(ctx context.Context, on bool) (domain.CallSession, error) {
	return c.do(ctx, intent{kind: intentSetAudio, on: on})
}

func (c *CallSessionController) SetVideo(ctx context.Context, on bool) (domain.CallSession, error) {
	return c.do(ctx, intent{kind: intentSetVideo, on: on})
}

func (c *CallSessionController) Reset(ctx context.Context) (domain.CallSession, error) {
	return c.do(ctx, intent{kind: intentReset})
}

func (c *CallSessionController) Snapshot(ctx context.Context) (domain.CallSession, error) {
	return c.do(ctx, intent{kind: intentSnapshot})
}

func (c *CallSessionController) do(ctx context.Context, in intent) (domain.CallSession, error) {
	in.reply = make(chan intentReply, 1)
	select {
	case c.intents <- in:
	case <-ctx.Done():
		return domain.CallSession{}, ctx.Err()
	case <-c.stopped:
		return domain.CallSession{}, ErrControllerStopped
	}
	select {
	case r := <-in.reply:
		return r.session, r.err
	case <-ctx.Done():
		return domain.CallSession{}, ctx.Err()
	}
}

func (c *CallSessionController) handleIntent(ctx context.Context, in intent) {
	var err error
	switch in.kind {
	case intentStart:
		err = c.startCall(ctx, in.remote, in.on)
	case intentAccept:
		err = c.accept(ctx)
	case intentReject:
		err = c.reject(ctx)
	case intentHangup:
		err = c.hangup(ctx)
	case intentSetAudio:
		err = c.setMedia(domain.TrackAudio, in.on)
	case intentSetVideo:
		err = c.setMedia(domain.TrackVideo, in.on)
	case intentReset:
		err = c.reset()
	case intentSnapshot:
	}
	in.reply <- intentReply{session: c.snapshot(), err: err}
}

func (c *CallSessionController) snapshot() domain.CallSession {
	if c.session == nil {
		return domain.CallSession{
			LocalUserID: c.cfg.LocalUserID,
			Status:      domain.StatusIdle,
			Generation:  c.generation,
		}
	}
	return *c.session
}

func (c *CallSessionController) status() domain.CallStatus {
	if c.session == nil {
		return domain.StatusIdle
	}
	return c.session.Status
}

func invalid(action string, s domain.CallStatus) error {
	return fmt.Errorf("%w: cannot %s while %s", domain.ErrInvalidTransition, action, s)
}

func (c *CallSessionController) startCall(ctx context.Context, remote domain.UserID, video bool) error {
	if c.status().IsLive() {
		return invalid("start a call", c.status())
	}
	if remote <= 0 || remote == c.cfg.LocalUserID {
		return fmt.Errorf("%w: cannot call user %s", domain.ErrInvalidTransition, remote)
	}
	c.discard()

	c.generation++
	media := domain.MediaFlags{AudioEnabled: true, VideoEnabled: video}
	c.session = domain.NewOutgoingSession("", c.cfg.LocalUserID, remote, media, c.generation, c.cfg.Now())
	c.neg = domain.NewNegotiationState()
	c.newSessionContext(ctx)
	c.log.Info().Stringer("remote_user_id", remote).Bool("video", video).Uint64("generation", c.generation).Msg("Starting call")
	c.emit(CallEvent{Type: CallStatusChanged})

	c.launchSetup(setupOutgoing, port.MediaConstraints{Audio: true, Video: video})
	return nil
}

func (c *CallSessionController) accept(ctx context.Context) error {
	if c.status() != domain.StatusIncomingRinging {
		return invalid("accept", c.status())
	}
	// Incoming calls are answered audio-only; video is a later renegotiation.
	c.session.Media = domain.MediaFlags{AudioEnabled: true}
	c.transition(domain.StatusNegotiating)
	c.launchSetup(setupIncoming, port.MediaConstraints{Audio: true})
	return nil
}

func (c *CallSessionController) reject(ctx context.Context) error {
	if c.status() != domain.StatusIncomingRinging {
		return invalid("reject", c.status())
	}
	s := c.session
	c.send(ctx, domain.NewCallRejectedMessage(s.SessionID, s.LocalUserID, s.RemoteUserID))
	c.end(ctx, domain.StatusEnded, nil)
	return nil
}

func (c *CallSessionController) hangup(ctx context.Context) error {
	st := c.status()
	if !st.IsLive() {
		return invalid("hang up", st)
	}
	if st == domain.StatusIncomingRinging {
		return c.reject(ctx)
	}
	c.leaveRoom(ctx)
	c.end(ctx, domain.StatusEnded, nil)
	return nil
}

func (c *CallSessionController) reset() error {
	if c.session == nil {
		return nil
	}
	if c.session.Status.IsLive() {
		return invalid("reset", c.session.Status)
	}
	c.discard()
	return nil
}

func (c *CallSessionController) setMedia(kind domain.TrackKind, on bool) error {
	st := c.status()
	if st != domain.StatusNegotiating && st != domain.StatusConnected {
		return invalid(fmt.Sprintf("toggle %s", kind), st)
	}

	if t, ok := c.tracks[kind]; ok {
		if !on && kind == domain.TrackVideo && c.midCallVideo {
			c.detachVideo(t)
			return nil
		}
		t.SetEnabled(on)
		c.session.Media.Set(kind, on)
		c.emit(CallEvent{Type: CallStatusChanged})
		return nil
	}
	if !on {
		c.session.Media.Set(kind, false)
		return nil
	}
	if kind == domain.TrackAudio {
		return fmt.Errorf("%w: no local audio track", domain.ErrInvalidTransition)
	}
	if st != domain.StatusConnected {
		return invalid("add video", st)
	}
	if c.videoPending {
		return nil
	}
	if c.neg.TrackSent(domain.TrackVideo) {
		c.log.Debug().Msg("Video sender is idle, capture goes back onto it")
	}
	c.videoPending = true
	c.launchSetup(setupVideo, port.MediaConstraints{Video: true})
	return nil
}

// detachVideo gives a mid-call camera back. The sender stays on the
// transport so switching video on again needs no new offer.
func (c *CallSessionController) detachVideo(t port.LocalTrack) {
	if err := c.transport.RemoveTrack(domain.TrackVideo); err != nil {
		c.log.Warn().Err(err).Msg("Failed to detach video track, disabling it instead")
		t.SetEnabled(false)
	} else {
		t.Stop()
		delete(c.tracks, domain.TrackVideo)
		c.midCallVideo = false
	}
	c.session.Media.VideoEnabled = false
	c.emit(CallEvent{Type: CallStatusChanged})
}

// launchSetup runs the blocking part of a step off the loop. The result
// comes back through c.results tagged with the current generation.
func (c *CallSessionController) launchSetup(kind setupKind, mc port.MediaConstraints) {
	ctx := c.sessionCtx
	res := setupResult{
		gen:       c.generation,
		kind:      kind,
		sessionID: c.session.SessionID,
	}
	local := c.cfg.LocalUserID

	go func() {
		switch kind {
		case setupOutgoing:
			res.sessionID, res.err = c.createRoom(ctx, local)
		case setupIncoming:
			if c.rooms != nil {
				if err := c.rooms.JoinRoom(ctx, res.sessionID, local); err != nil {
					c.log.Warn().Err(err).Stringer("room_id", res.sessionID).Msg("Failed to join room")
				}
			}
		}
		if res.err == nil {
			res.tracks, res.err = c.media.AcquireLocalMedia(ctx, mc)
			if res.err != nil && !errors.Is(res.err, domain.ErrMediaAcquisition) {
				res.err = fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, res.err)
			}
		}

		select {
		case c.results <- res:
		case <-c.stopped:
			stopTracks(res.tracks)
		}
	}()
}

// newSessionContext scopes the async work of one session. It outlives the
// intent that created it and is cancelled when the session ends.
func (c *CallSessionController) newSessionContext(ctx context.Context) {
	c.sessionCtx, c.sessionCancel = context.WithCancel(context.WithoutCancel(ctx))
}

func (c *CallSessionController) createRoom(ctx context.Context, local domain.UserID) (domain.SessionID, error) {
	if c.rooms == nil {
		return domain.NewSessionID(), nil
	}
	id, err := c.rooms.CreateRoom(ctx, local)
	if err != nil {
		return "", fmt.Errorf("%w: create room: %v", domain.ErrTransport, err)
	}
	return id, nil
}

func (c *CallSessionController) handleSetup(ctx context.Context, res setupResult) {
	if c.session == nil || res.gen != c.generation || !c.session.Status.IsLive() {
		c.log.Debug().Uint64("generation", res.gen).Uint64("current", c.generation).Msg("Discarding stale setup result")
		stopTracks(res.tracks)
		if res.kind != setupVideo && res.sessionID != "" {
			c.leaveRoomAsync(res.sessionID)
		}
		return
	}

	switch res.kind {
	case setupOutgoing:
		c.finishOutgoing(ctx, res)
	case setupIncoming:
		c.finishAccept(ctx, res)
	case setupVideo:
		c.finishVideo(ctx, res)
	}
}

func (c *CallSessionController) finishOutgoing(ctx context.Context, res setupResult) {
	if res.err != nil {
		if res.sessionID != "" {
			c.leaveRoomAsync(res.sessionID)
		}
		c.fail(ctx, res.err)
		return
	}
	s := c.session
	s.SessionID = res.sessionID
	c.adoptTracks(res.tracks)

	if err := c.openTransport(ctx); err != nil {
		c.fail(ctx, err)
		return
	}
	if err := c.coord.AttachLocalMedia(res.tracks); err != nil {
		c.fail(ctx, err)
		return
	}

	c.send(ctx, domain.NewJoinRoomMessage(s.SessionID))
	c.joined = true

	offer, err := c.coord.CreateOffer(ctx)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	c.send(ctx, domain.NewOfferMessage(s.SessionID, s.LocalUserID, s.RemoteUserID, offer.SDP, s.Media.VideoEnabled))
	c.log.Info().Stringer("room_id", s.SessionID).Stringer("remote_user_id", s.RemoteUserID).Msg("Offer sent")
}

func (c *CallSessionController) finishAccept(ctx context.Context, res setupResult) {
	s := c.session
	// The room was joined over REST before capture started.
	failEarly := func(err error) {
		c.leaveRoomAsync(s.SessionID)
		c.fail(ctx, err)
	}
	if res.err != nil {
		failEarly(res.err)
		return
	}
	c.adoptTracks(res.tracks)

	if err := c.openTransport(ctx); err != nil {
		failEarly(err)
		return
	}
	if err := c.coord.AttachLocalMedia(res.tracks); err != nil {
		failEarly(err)
		return
	}

	c.send(ctx, domain.NewJoinRoomMessage(s.SessionID))
	c.joined = true

	pending := c.neg.PendingRemoteOffer
	if pending == nil {
		c.fail(ctx, fmt.Errorf("%w: no pending remote offer", domain.ErrNegotiation))
		return
	}
	if _, err := c.coord.ApplyRemoteOffer(ctx, *pending); err != nil {
		c.fail(ctx, err)
		return
	}
	flushed := c.coord.FlushPendingCandidates()

	answer, err := c.coord.CreateAnswer(ctx)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	c.send(ctx, domain.NewAnswerMessage(s.SessionID, s.LocalUserID, s.RemoteUserID, answer.SDP))
	c.log.Info().Stringer("room_id", s.SessionID).Int("flushed_candidates", flushed).Msg("Answer sent")
	c.replayHeldOffer(ctx)
}

func (c *CallSessionController) finishVideo(ctx context.Context, res setupResult) {
	c.videoPending = false
	if res.err != nil {
		c.log.Warn().Err(res.err).Msg("Could not enable video")
		return
	}
	if c.session.Status != domain.StatusConnected || c.coord == nil {
		stopTracks(res.tracks)
		return
	}

	var track port.LocalTrack
	for _, t := range res.tracks {
		if track == nil && t.Kind() == domain.TrackVideo {
			track = t
			continue
		}
		t.Stop()
	}
	if track == nil {
		c.log.Warn().Msg("Video capture returned no video track")
		return
	}
	c.tracks[domain.TrackVideo] = track
	c.midCallVideo = true

	result, err := c.coord.Renegotiate(ctx, track)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	s := c.session
	s.Media.VideoEnabled = true
	switch result.Outcome {
	case AppliedInPlace:
		c.log.Info().Msg("Video track replaced in place")
	case OfferRequired:
		c.send(ctx, domain.NewOfferMessage(s.SessionID, s.LocalUserID, s.RemoteUserID, result.Offer.SDP, true))
		c.log.Info().Msg("Renegotiation offer sent")
	case OfferDeferred:
		c.log.Debug().Msg("Renegotiation deferred until the current exchange settles")
	}
	c.emit(CallEvent{Type: CallStatusChanged})
}

func (c *CallSessionController) adoptTracks(tracks []port.LocalTrack) {
	for _, t := range tracks {
		if old, ok := c.tracks[t.Kind()]; ok {
			old.Stop()
		}
		c.tracks[t.Kind()] = t
		t.SetEnabled(c.session.Media.Enabled(t.Kind()))
	}
}

func (c *CallSessionController) openTransport(ctx context.Context) error {
	t, err := c.media.NewTransport(ctx, c.cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("%w: open transport: %v", domain.ErrNegotiation, err)
	}
	c.transport = t
	c.coord = NewNegotiationCoordinator(t, c.neg, c.log)
	c.forward(c.generation, t)
	return nil
}

// forward relays one transport's events into the loop until the transport
// closes its event channel.
func (c *CallSessionController) forward(gen uint64, t port.PeerTransport) {
	events := t.Events()
	go func() {
		for ev := range events {
			select {
			case c.transportEvents <- transportEvent{gen: gen, ev: ev}:
			case <-c.stopped:
				return
			}
		}
	}()
}

func (c *CallSessionController) handleMessage(ctx context.Context, msg domain.Message) {
	switch msg.Type {
	case domain.MessageOffer:
		c.onOffer(ctx, msg)
	case domain.MessageAnswer:
		c.onAnswer(ctx, msg)
	case domain.MessageICECandidate:
		c.onCandidate(msg)
	case domain.MessageCallRejected:
		c.onRejected(ctx, msg)
	case domain.MessageUserLeft:
		c.onUserLeft(ctx, msg)
	case domain.MessageError:
		c.log.Warn().Str("reason", msg.Reason).Msg("Relay reported an error")
	default:
		c.log.Debug().Str("type", string(msg.Type)).Stringer("room_id", msg.SessionID).Msg("Ignoring relay notice")
	}
}

// belongs reports whether msg targets the live session.
func (c *CallSessionController) belongs(msg domain.Message) bool {
	s := c.session
	return s != nil && s.Status.IsLive() &&
		msg.SessionID == s.SessionID && msg.FromUserID == s.RemoteUserID
}

func (c *CallSessionController) discardMessage(msg domain.Message, reason string) {
	c.log.Debug().
		Str("type", string(msg.Type)).
		Stringer("room_id", msg.SessionID).
		Stringer("from_user_id", msg.FromUserID).
		Str("reason", reason).
		Msg("Discarding signaling message")
}

func (c *CallSessionController) onOffer(ctx context.Context, msg domain.Message) {
	if !c.status().IsLive() {
		c.ring(ctx, msg)
		return
	}
	if !c.belongs(msg) {
		c.discardMessage(msg, "busy with another call")
		return
	}

	desc := msg.Description()
	switch c.session.Status {
	case domain.StatusConnected:
		c.onRenegotiationOffer(ctx, msg)
	default:
		if c.isKnownOffer(desc) {
			c.discardMessage(msg, "duplicate offer")
			return
		}
		if c.session.Status == domain.StatusIncomingRinging {
			c.discardMessage(msg, "second offer while ringing")
			return
		}
		// The remote side may reach connected first and renegotiate while
		// we are still negotiating.
		if c.canAnswerOffer() {
			c.onRenegotiationOffer(ctx, msg)
			return
		}
		held := msg
		c.neg.HeldRemoteOffer = &held
		c.log.Debug().Stringer("room_id", msg.SessionID).Msg("Holding remote offer until our exchange settles")
	}
}

func (c *CallSessionController) isKnownOffer(desc domain.Description) bool {
	n := c.neg
	if p := n.PendingRemoteOffer; p != nil && p.SDP == desc.SDP {
		return true
	}
	if h := n.HeldRemoteOffer; h != nil && h.SDP == desc.SDP {
		return true
	}
	return n.LastRemoteOffer == desc.SDP
}

// canAnswerOffer reports whether a remote offer can be answered right now
// without colliding with our own exchange.
func (c *CallSessionController) canAnswerOffer() bool {
	return c.coord != nil && c.neg.RemoteDescriptionApplied && !c.neg.LocalOfferPending
}

// replayHeldOffer answers an offer that arrived too early, once it can be.
func (c *CallSessionController) replayHeldOffer(ctx context.Context) bool {
	if c.session == nil || c.neg == nil || c.neg.HeldRemoteOffer == nil || c.coord == nil {
		return false
	}
	if c.session.Status != domain.StatusConnected && !c.canAnswerOffer() {
		return false
	}
	msg := *c.neg.HeldRemoteOffer
	c.neg.HeldRemoteOffer = nil
	c.log.Debug().Msg("Answering held remote offer")
	c.onRenegotiationOffer(ctx, msg)
	return true
}

func (c *CallSessionController) ring(ctx context.Context, msg domain.Message) {
	if msg.FromUserID <= 0 || msg.SessionID == "" {
		c.discardMessage(msg, "offer without caller or room")
		return
	}
	c.discard()

	c.generation++
	c.session = domain.NewIncomingSession(msg.SessionID, c.cfg.LocalUserID, msg.FromUserID, c.generation, c.cfg.Now())
	c.session.RemoteVideo = msg.WantsVideo()
	c.neg = domain.NewNegotiationState()
	desc := msg.Description()
	c.neg.PendingRemoteOffer = &desc
	c.newSessionContext(ctx)

	c.log.Info().
		Stringer("room_id", msg.SessionID).
		Stringer("remote_user_id", msg.FromUserID).
		Bool("video", c.session.RemoteVideo).
		Uint64("generation", c.generation).
		Msg("Incoming call")
	c.emit(CallEvent{Type: CallStatusChanged})
}

func (c *CallSessionController) onRenegotiationOffer(ctx context.Context, msg domain.Message) {
	s := c.session
	desc := msg.Description()
	if c.coord == nil || desc.SDP == c.neg.LastRemoteOffer {
		c.discardMessage(msg, "duplicate offer")
		return
	}

	if c.neg.LocalOfferPending {
		// Both sides offered at once: the lower user id keeps its offer.
		if s.LocalUserID < s.RemoteUserID {
			c.discardMessage(msg, "renegotiation glare, keeping ours")
			return
		}
		c.log.Debug().Msg("Renegotiation glare, rolling back our offer")
		if err := c.coord.Rollback(); err != nil {
			c.fail(ctx, err)
			return
		}
	}

	answer, dup, err := c.coord.AnswerRenegotiation(ctx, desc)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	if dup {
		return
	}
	c.coord.FlushPendingCandidates()
	s.RemoteVideo = msg.WantsVideo()
	c.send(ctx, domain.NewAnswerMessage(s.SessionID, s.LocalUserID, s.RemoteUserID, answer.SDP))
	c.emit(CallEvent{Type: CallStatusChanged})
	c.offerIfDeferred(ctx)
}

func (c *CallSessionController) offerIfDeferred(ctx context.Context) {
	if c.coord == nil || !c.coord.TakeDeferredOffer() {
		return
	}
	offer, err := c.coord.CreateOffer(ctx)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	s := c.session
	c.send(ctx, domain.NewOfferMessage(s.SessionID, s.LocalUserID, s.RemoteUserID, offer.SDP, s.Media.VideoEnabled))
	c.log.Info().Msg("Deferred renegotiation offer sent")
}

func (c *CallSessionController) onAnswer(ctx context.Context, msg domain.Message) {
	if !c.belongs(msg) {
		c.discardMessage(msg, "not for the active call")
		return
	}
	if c.coord == nil || c.session.Status == domain.StatusIncomingRinging {
		c.discardMessage(msg, "answer before our offer")
		return
	}

	applied, err := c.coord.ApplyRemoteAnswer(ctx, msg.Description())
	if err != nil {
		if c.session.Status == domain.StatusConnected {
			c.log.Warn().Err(err).Msg("Ignoring unexpected answer")
			return
		}
		c.fail(ctx, err)
		return
	}
	if !applied {
		c.discardMessage(msg, "duplicate answer")
		return
	}
	flushed := c.coord.FlushPendingCandidates()
	c.log.Debug().Int("flushed_candidates", flushed).Msg("Remote answer applied")

	if c.session.Status == domain.StatusOutgoing {
		c.transition(domain.StatusNegotiating)
	}
	if !c.replayHeldOffer(ctx) {
		c.offerIfDeferred(ctx)
	}
}

func (c *CallSessionController) onCandidate(msg domain.Message) {
	if !c.belongs(msg) {
		c.discardMessage(msg, "not for the active call")
		return
	}
	if c.coord == nil {
		c.neg.QueueCandidate(*msg.Candidate)
		return
	}
	if err := c.coord.EnqueueOrApplyCandidate(*msg.Candidate); err != nil {
		c.log.Warn().Err(err).Msg("Failed to apply remote candidate")
	}
}

func (c *CallSessionController) onRejected(ctx context.Context, msg domain.Message) {
	if !c.belongs(msg) || c.session.Status != domain.StatusOutgoing {
		c.discardMessage(msg, "no outgoing call to reject")
		return
	}
	c.leaveRoom(ctx)
	c.end(ctx, domain.StatusEnded, domain.ErrRemoteRejection)
}

func (c *CallSessionController) onUserLeft(ctx context.Context, msg domain.Message) {
	s := c.session
	if s == nil || !s.Status.IsLive() || msg.SessionID != s.SessionID || msg.UserID != s.RemoteUserID {
		c.discardMessage(msg, "departure of someone else")
		return
	}
	c.leaveRoom(ctx)
	c.end(ctx, domain.StatusEnded, domain.ErrPeerDeparture)
}

func (c *CallSessionController) handleTransportEvent(ctx context.Context, te transportEvent) {
	s := c.session
	if s == nil || te.gen != c.generation || !s.Status.IsLive() {
		return
	}

	switch te.ev.Type {
	case port.EventICECandidate:
		c.send(ctx, domain.NewCandidateMessage(s.SessionID, s.LocalUserID, s.RemoteUserID, te.ev.Candidate))

	case port.EventRemoteTrack:
		c.log.Info().Str("kind", string(te.ev.TrackKind)).Str("track_id", te.ev.TrackID).Msg("Remote track")
		c.emit(CallEvent{Type: CallRemoteTrack, TrackKind: te.ev.TrackKind, TrackID: te.ev.TrackID})

	case port.EventConnectionState:
		c.log.Debug().Str("state", string(te.ev.State)).Msg("Transport state")
		switch te.ev.State {
		case port.ConnectionConnected:
			if s.Status == domain.StatusNegotiating {
				s.ConnectedAt = c.cfg.Now()
				c.transition(domain.StatusConnected)
				c.ticker = time.NewTicker(c.cfg.TickInterval)
				c.replayHeldOffer(ctx)
			}
		case port.ConnectionFailed:
			c.fail(ctx, fmt.Errorf("%w: media transport failed", domain.ErrNegotiation))
		case port.ConnectionDisconnected:
			c.log.Warn().Msg("Media transport disconnected, waiting for recovery")
		}
	}
}

func (c *CallSessionController) handleSignalingLost(ctx context.Context) {
	err := c.signaling.Err()
	if err == nil {
		err = errors.New("signaling channel closed")
	}
	if !errors.Is(err, domain.ErrTransport) {
		err = fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	c.log.Error().Err(err).Msg("Signaling channel lost")
	if c.status().IsLive() {
		c.fail(ctx, err)
	}
}

func (c *CallSessionController) transition(next domain.CallStatus) {
	s := c.session
	if !s.Status.CanTransition(next) {
		c.log.Error().Stringer("from", s.Status).Stringer("to", next).Msg("Refusing call state transition")
		return
	}
	c.log.Info().Stringer("from", s.Status).Stringer("to", next).Stringer("room_id", s.SessionID).Msg("Call state changed")
	s.Status = next
	c.emit(CallEvent{Type: CallStatusChanged})
}

// leaveRoom tells the relay and the room service that we are gone.
func (c *CallSessionController) leaveRoom(ctx context.Context) {
	s := c.session
	if s == nil || s.SessionID == "" {
		return
	}
	c.send(ctx, domain.NewLeaveRoomMessage(s.SessionID))
	if c.joined {
		c.leaveRoomAsync(s.SessionID)
	}
}

func (c *CallSessionController) leaveRoomAsync(id domain.SessionID) {
	if c.rooms == nil {
		return
	}
	local := c.cfg.LocalUserID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), roomRequestTimeout)
		defer cancel()
		if err := c.rooms.LeaveRoom(ctx, id, local); err != nil {
			c.log.Warn().Err(err).Stringer("room_id", id).Msg("Failed to leave room")
		}
	}()
}

func (c *CallSessionController) fail(ctx context.Context, cause error) {
	if c.joined && !errors.Is(cause, domain.ErrTransport) {
		c.leaveRoom(ctx)
	}
	c.end(ctx, domain.StatusFailed, cause)
}

// end moves the live session to a terminal status. Media and transport are
// released before the new status is published.
func (c *CallSessionController) end(ctx context.Context, status domain.CallStatus, cause error) {
	s := c.session
	if s == nil || s.Status.IsTerminal() {
		return
	}
	if !s.Status.CanTransition(status) {
		c.log.Error().Stringer("from", s.Status).Stringer("to", status).Msg("Refusing call state transition")
		return
	}

	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.release()

	prev := s.Status
	s.Status = status
	s.EndedAt = c.cfg.Now()
	s.LastError = domain.KindOf(cause)
	c.generation++

	ev := c.log.Info()
	if s.LastError.IsFault() {
		ev = c.log.Error().Err(cause)
	}
	ev.Stringer("from", prev).
		Stringer("to", status).
		Stringer("room_id", s.SessionID).
		Str("last_error", string(s.LastError)).
		Int("duration_seconds", s.DurationSeconds(s.EndedAt)).
		Msg("Call ended")

	if c.callLog != nil {
		if err := c.callLog.Save(ctx, domain.NewCallRecord(s)); err != nil {
			c.log.Error().Err(err).Msg("Failed to record call")
		}
	}
	c.emit(CallEvent{Type: CallStatusChanged})

	if c.grace != nil {
		c.grace.Stop()
	}
	c.grace = time.NewTimer(c.cfg.GracePeriod)
}

func (c *CallSessionController) release() {
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close transport")
		}
		c.transport = nil
	}
	for kind, t := range c.tracks {
		t.Stop()
		delete(c.tracks, kind)
	}
	c.coord = nil
	c.joined = false
	c.videoPending = false
	c.midCallVideo = false
}

// discard drops a terminal session and returns to idle.
func (c *CallSessionController) discard() {
	if c.session == nil || c.session.Status.IsLive() {
		return
	}
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	c.session = nil
	c.neg = nil
	c.generation++
	c.emit(CallEvent{Type: CallStatusChanged})
}

func (c *CallSessionController) send(ctx context.Context, msg domain.Message) {
	if err := c.signaling.Send(ctx, msg); err != nil {
		c.log.Warn().Err(err).Str("type", string(msg.Type)).Stringer("room_id", msg.SessionID).Msg("Failed to send signaling message")
	}
}

func (c *CallSessionController) emit(ev CallEvent) {
	ev.Session = c.snapshot()
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn().Msg("Call event subscriber is slow, dropping event")
		}
	}
}

func stopTracks(tracks []port.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}
