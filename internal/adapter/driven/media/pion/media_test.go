package pion

import (
	"context"
	"testing"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type otherTrack struct{}

func (otherTrack) ID() string             { return "other" }
func (otherTrack) Kind() domain.TrackKind { return domain.TrackAudio }
func (otherTrack) Enabled() bool          { return true }
func (otherTrack) SetEnabled(bool)        {}
func (otherTrack) Stop()                  {}

func newPair(t *testing.T) (*Media, *Transport, *Transport) {
	t.Helper()
	m, err := NewMedia()
	require.NoError(t, err)

	open := func() *Transport {
		pt, err := m.NewTransport(context.Background(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { pt.Close() })
		return pt.(*Transport)
	}
	return m, open(), open()
}

func acquire(t *testing.T, m *Media, c port.MediaConstraints) []port.LocalTrack {
	t.Helper()
	tracks, err := m.AcquireLocalMedia(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, tr := range tracks {
			tr.Stop()
		}
	})
	return tracks
}

func TestAcquireLocalMedia(t *testing.T) {
	m, err := NewMedia()
	require.NoError(t, err)

	_, err = m.AcquireLocalMedia(context.Background(), port.MediaConstraints{})
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.AcquireLocalMedia(ctx, port.MediaConstraints{Audio: true})
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)

	tracks := acquire(t, m, port.MediaConstraints{Audio: true, Video: true})
	require.Len(t, tracks, 2)
	assert.Equal(t, domain.TrackAudio, tracks[0].Kind())
	assert.Equal(t, domain.TrackVideo, tracks[1].Kind())
	assert.NotEqual(t, tracks[0].ID(), tracks[1].ID())

	tracks[1].SetEnabled(false)
	assert.False(t, tracks[1].Enabled())
	tracks[1].Stop()
	tracks[1].Stop()
}

func TestOfferAnswerExchange(t *testing.T) {
	m, caller, callee := newPair(t)
	ctx := context.Background()

	for _, tr := range acquire(t, m, port.MediaConstraints{Audio: true, Video: true}) {
		require.NoError(t, caller.AddTrack(tr))
	}
	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.True(t, domain.DescribesVideo(offer.SDP))

	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	for _, tr := range acquire(t, m, port.MediaConstraints{Audio: true}) {
		require.NoError(t, callee.AddTrack(tr))
	}
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPAnswer, answer.Type)

	require.NoError(t, caller.SetRemoteDescription(ctx, answer))
	assert.Equal(t, webrtc.SignalingStateStable, caller.pc.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, callee.pc.SignalingState())
}

func TestReplaceTrackReusesIdleSender(t *testing.T) {
	m, caller, _ := newPair(t)
	tracks := acquire(t, m, port.MediaConstraints{Audio: true})

	ok, err := caller.ReplaceTrack(tracks[0])
	require.NoError(t, err)
	assert.False(t, ok, "no sender yet")

	require.NoError(t, caller.AddTrack(tracks[0]))
	require.NoError(t, caller.RemoveTrack(domain.TrackAudio))

	again := acquire(t, m, port.MediaConstraints{Audio: true})
	ok, err = caller.ReplaceTrack(again[0])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = caller.ReplaceTrack(acquire(t, m, port.MediaConstraints{Audio: true})[0])
	require.NoError(t, err)
	assert.False(t, ok, "sender is busy again")
}

func TestForeignTrackRejected(t *testing.T) {
	_, caller, _ := newPair(t)

	assert.ErrorIs(t, caller.AddTrack(otherTrack{}), errForeignTrack)
	_, err := caller.ReplaceTrack(otherTrack{})
	assert.ErrorIs(t, err, errForeignTrack)
}

func TestRollback(t *testing.T) {
	m, caller, _ := newPair(t)
	ctx := context.Background()

	require.NoError(t, caller.Rollback(), "nothing to roll back")

	require.NoError(t, caller.AddTrack(acquire(t, m, port.MediaConstraints{Audio: true})[0]))
	_, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, caller.pc.SignalingState())

	require.NoError(t, caller.Rollback())
	assert.Equal(t, webrtc.SignalingStateStable, caller.pc.SignalingState())
}

func TestCloseEndsEvents(t *testing.T) {
	_, caller, _ := newPair(t)

	require.NoError(t, caller.Close())
	require.NoError(t, caller.Close())
	for range caller.Events() {
	}
}
