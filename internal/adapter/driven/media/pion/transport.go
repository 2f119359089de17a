package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const eventBuffer = 128

var errForeignTrack = errors.New("track was not created by this media capability")

// Transport wraps one pion PeerConnection as a port.PeerTransport.
type Transport struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool
	events chan port.TransportEvent
}

func newTransport(pc *webrtc.PeerConnection) *Transport {
	t := &Transport{
		pc:     pc,
		events: make(chan port.TransportEvent, eventBuffer),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.push(port.TransportEvent{
			Type: port.EventICECandidate,
			Candidate: domain.Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := domain.TrackAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.TrackVideo
		}
		log.Debug().Str("kind", string(kind)).Str("track_id", remote.ID()).Msg("Received remote track")
		t.push(port.TransportEvent{Type: port.EventRemoteTrack, TrackKind: kind, TrackID: remote.ID()})

		// Playback is not ours; keep reading so the interceptors see traffic.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := remote.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.push(port.TransportEvent{Type: port.EventConnectionState, State: connectionState(s)})
	})

	return t
}

func connectionState(s webrtc.PeerConnectionState) port.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return port.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return port.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return port.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return port.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return port.ConnectionClosed
	default:
		return port.ConnectionNew
	}
}

func (t *Transport) push(ev port.TransportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		log.Warn().Int("type", int(ev.Type)).Msg("Transport event buffer full, dropping event")
	}
}

func (t *Transport) Events() <-chan port.TransportEvent {
	return t.events
}

func (t *Transport) AddTrack(track port.LocalTrack) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return errForeignTrack
	}
	if _, err := t.pc.AddTrack(lt.track); err != nil {
		return err
	}
	return nil
}

// ReplaceTrack looks for a sending transceiver of the same kind whose sender
// currently carries no track.
func (t *Transport) ReplaceTrack(track port.LocalTrack) (bool, error) {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return false, errForeignTrack
	}
	want := webrtc.RTPCodecTypeAudio
	if lt.kind == domain.TrackVideo {
		want = webrtc.RTPCodecTypeVideo
	}
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Kind() != want || tr.Sender() == nil || tr.Sender().Track() != nil {
			continue
		}
		if d := tr.Direction(); d != webrtc.RTPTransceiverDirectionSendrecv && d != webrtc.RTPTransceiverDirectionSendonly {
			continue
		}
		if err := tr.Sender().ReplaceTrack(lt.track); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RemoveTrack detaches the local track of that kind but keeps its sender,
// so a later ReplaceTrack can reuse it without renegotiating.
func (t *Transport) RemoveTrack(kind domain.TrackKind) error {
	for _, s := range t.pc.GetSenders() {
		if s.Track() != nil && s.Track().Kind().String() == string(kind) {
			return s.ReplaceTrack(nil)
		}
	}
	return nil
}

func (t *Transport) CreateOffer(ctx context.Context) (domain.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.Description{}, err
	}
	return domain.Description{Type: domain.SDPOffer, SDP: offer.SDP}, nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (domain.Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.Description{}, err
	}
	return domain.Description{Type: domain.SDPAnswer, SDP: answer.SDP}, nil
}

func (t *Transport) SetRemoteDescription(ctx context.Context, d domain.Description) error {
	typ := webrtc.SDPTypeOffer
	if d.Type == domain.SDPAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	log.Debug().Str("type", string(d.Type)).Int("sdp_len", len(d.SDP)).Msg("Setting remote description")
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: d.SDP})
}

func (t *Transport) AddICECandidate(c domain.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *Transport) Rollback() error {
	if t.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

// Close shuts the connection down and then closes the event channel.
// Callbacks fired during shutdown are dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.pc.Close()

	t.mu.Lock()
	close(t.events)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
