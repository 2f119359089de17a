package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/port"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func newFakeTrack(kind domain.TrackKind, n int) *fakeTrack {
	t := &fakeTrack{id: fmt.Sprintf("%s-%d", kind, n), kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) Enabled() bool          { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(on bool)     { t.enabled.Store(on) }
func (t *fakeTrack) Stop()                  { t.stopped.Store(true) }

type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	offers    int
	answers   int
	replaceOK bool
	failOn    string
	closed    bool
	events    chan port.TransportEvent
	// kind -> whether the sender of that kind carries a track
	senders map[domain.TrackKind]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(chan port.TransportEvent, 16),
		senders: make(map[domain.TrackKind]bool),
	}
}

func (t *fakeTransport) record(call string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
	if t.failOn != "" && t.failOn == call {
		return errors.New("refused " + call)
	}
	return nil
}

func (t *fakeTransport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) emit(ev port.TransportEvent) {
	t.events <- ev
}

func (t *fakeTransport) AddTrack(track port.LocalTrack) error {
	t.mu.Lock()
	t.senders[track.Kind()] = true
	t.mu.Unlock()
	return t.record("add:" + string(track.Kind()))
}

// ReplaceTrack succeeds on an idle sender of the same kind, or always
// when replaceOK is set.
func (t *fakeTransport) ReplaceTrack(track port.LocalTrack) (bool, error) {
	t.mu.Lock()
	busy, exists := t.senders[track.Kind()]
	ok := t.replaceOK || (exists && !busy)
	if ok {
		t.senders[track.Kind()] = true
	}
	t.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, t.record("replace:" + string(track.Kind()))
}

func (t *fakeTransport) RemoveTrack(kind domain.TrackKind) error {
	t.mu.Lock()
	if _, ok := t.senders[kind]; ok {
		t.senders[kind] = false
	}
	t.mu.Unlock()
	return t.record("remove:" + string(kind))
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (domain.Description, error) {
	if err := t.record("create-offer"); err != nil {
		return domain.Description{}, err
	}
	t.mu.Lock()
	t.offers++
	n := t.offers
	t.mu.Unlock()
	return domain.Description{Type: domain.SDPOffer, SDP: fmt.Sprintf("local-offer-%d", n)}, nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (domain.Description, error) {
	if err := t.record("create-answer"); err != nil {
		return domain.Description{}, err
	}
	t.mu.Lock()
	t.answers++
	n := t.answers
	t.mu.Unlock()
	return domain.Description{Type: domain.SDPAnswer, SDP: fmt.Sprintf("local-answer-%d", n)}, nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, d domain.Description) error {
	return t.record(fmt.Sprintf("remote-%s:%s", d.Type, d.SDP))
}

func (t *fakeTransport) AddICECandidate(c domain.Candidate) error {
	return t.record("candidate:" + c.Candidate)
}

func (t *fakeTransport) Rollback() error {
	return t.record("rollback")
}

func (t *fakeTransport) Events() <-chan port.TransportEvent {
	return t.events
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}

type fakeMedia struct {
	mu         sync.Mutex
	gate       chan struct{}
	err        error
	acquired   []*fakeTrack
	transports []*fakeTransport
	replaceOK  bool
}

func (m *fakeMedia) AcquireLocalMedia(ctx context.Context, c port.MediaConstraints) ([]port.LocalTrack, error) {
	m.mu.Lock()
	gate, err := m.gate, m.err
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []port.LocalTrack
	for _, kind := range []domain.TrackKind{domain.TrackAudio, domain.TrackVideo} {
		if (kind == domain.TrackAudio && !c.Audio) || (kind == domain.TrackVideo && !c.Video) {
			continue
		}
		t := newFakeTrack(kind, len(m.acquired))
		m.acquired = append(m.acquired, t)
		out = append(out, t)
	}
	return out, nil
}

func (m *fakeMedia) NewTransport(ctx context.Context, servers []domain.ICEServer) (port.PeerTransport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := newFakeTransport()
	t.replaceOK = m.replaceOK
	m.transports = append(m.transports, t)
	return t, nil
}

func (m *fakeMedia) Tracks() []*fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeTrack(nil), m.acquired...)
}

func (m *fakeMedia) transport(t *testing.T) *fakeTransport {
	t.Helper()
	var tr *fakeTransport
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.transports) == 0 {
			return false
		}
		tr = m.transports[len(m.transports)-1]
		return true
	}, waitFor, 5*time.Millisecond, "no transport opened")
	return tr
}

// fakeSignaling hands inbound messages over unbuffered, so a deliver
// returns only once the controller loop has taken the message.
type fakeSignaling struct {
	inbound chan domain.Message
	sent    chan domain.Message

	mu  sync.Mutex
	err error
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		inbound: make(chan domain.Message),
		sent:    make(chan domain.Message, 256),
	}
}

func (s *fakeSignaling) Send(ctx context.Context, msg domain.Message) error {
	s.sent <- msg
	return nil
}

func (s *fakeSignaling) Subscribe() (<-chan domain.Message, func()) {
	return s.inbound, func() {}
}

func (s *fakeSignaling) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSignaling) lose(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.inbound)
}

// next returns the next sent message of type typ, skipping others.
func (s *fakeSignaling) next(t *testing.T, typ domain.MessageType) domain.Message {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case msg := <-s.sent:
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message sent", typ)
			return domain.Message{}
		}
	}
}

// none asserts no message of type typ is sent within a short window.
func (s *fakeSignaling) none(t *testing.T, typ domain.MessageType) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case msg := <-s.sent:
			if msg.Type == typ {
				t.Fatalf("unexpected %s message: %+v", typ, msg)
			}
		case <-timeout:
			return
		}
	}
}

type fakeRooms struct {
	mu      sync.Mutex
	next    domain.SessionID
	created int
	joined  []domain.SessionID
	left    []domain.SessionID
}

func (r *fakeRooms) CreateRoom(ctx context.Context, creator domain.UserID) (domain.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	if r.next != "" {
		return r.next, nil
	}
	return domain.SessionID(fmt.Sprintf("room-%d", r.created)), nil
}

func (r *fakeRooms) JoinRoom(ctx context.Context, id domain.SessionID, user domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, id)
	return nil
}

func (r *fakeRooms) LeaveRoom(ctx context.Context, id domain.SessionID, user domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = append(r.left, id)
	return nil
}

func (r *fakeRooms) Left() []domain.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SessionID(nil), r.left...)
}

type fakeCallLog struct {
	mu      sync.Mutex
	records []domain.CallRecord
}

func (l *fakeCallLog) Save(ctx context.Context, rec domain.CallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *fakeCallLog) List(ctx context.Context, user domain.UserID) ([]domain.CallRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.CallRecord(nil), l.records...), nil
}
