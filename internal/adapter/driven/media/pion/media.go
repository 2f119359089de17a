package pion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// Opus encoding of 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Media implements port.MediaCapability with pion. Local tracks are
// synthetic: audio carries Opus silence, video carries no frames until a
// source writes to it.
type Media struct {
	api *webrtc.API
}

func NewMedia() (*Media, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return &Media{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
		),
	}, nil
}

func (m *Media) AcquireLocalMedia(ctx context.Context, c port.MediaConstraints) ([]port.LocalTrack, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: nothing requested", domain.ErrMediaAcquisition)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}

	stream := uuid.NewString()
	var tracks []port.LocalTrack
	if c.Audio {
		t, err := newLocalTrack(domain.TrackAudio, webrtc.MimeTypeOpus, stream)
		if err != nil {
			return nil, err
		}
		go t.pumpSilence()
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := newLocalTrack(domain.TrackVideo, webrtc.MimeTypeVP8, stream)
		if err != nil {
			for _, prev := range tracks {
				prev.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (m *Media) NewTransport(ctx context.Context, servers []domain.ICEServer) (port.PeerTransport, error) {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := m.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newTransport(pc), nil
}

type LocalTrack struct {
	kind    domain.TrackKind
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func newLocalTrack(kind domain.TrackKind, mime, stream string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8]),
		stream,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s track: %v", domain.ErrMediaAcquisition, kind, err)
	}
	t := &LocalTrack{kind: kind, track: track, stop: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string             { return t.track.ID() }
func (t *LocalTrack) Kind() domain.TrackKind { return t.kind }
func (t *LocalTrack) Enabled() bool          { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(on bool)     { t.enabled.Store(on) }

func (t *LocalTrack) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// WriteSample feeds an encoded frame from an external source. Frames are
// dropped while the track is disabled.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if !t.Enabled() {
		return nil
	}
	select {
	case <-t.stop:
		return fmt.Errorf("%s track stopped", t.kind)
	default:
	}
	return t.track.WriteSample(s)
}

func (t *LocalTrack) pumpSilence() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("track_id", t.ID()).Msg("Silence write failed")
				return
			}
		}
	}
}
