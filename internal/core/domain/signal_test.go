package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const audioOnlySDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

const audioVideoSDP = audioOnlySDP +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=sendrecv\r\n"

const inactiveVideoSDP = audioOnlySDP +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=inactive\r\n"

const rejectedVideoSDP = audioOnlySDP +
	"m=video 0 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n"

func TestDecodeMessageOffer(t *testing.T) {
	raw := `{"type":"offer","room_id":"r1","from_user_id":7,"target_user_id":9,"sdp":"v=0","video_enabled":true}`

	msg, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, MessageOffer, msg.Type)
	assert.Equal(t, SessionID("r1"), msg.SessionID)
	assert.Equal(t, UserID(7), msg.FromUserID)
	assert.Equal(t, UserID(9), msg.ToUserID)
	assert.Equal(t, Description{Type: SDPOffer, SDP: "v=0"}, msg.Description())
	assert.True(t, msg.WantsVideo())
}

func TestDecodeMessageCandidate(t *testing.T) {
	raw := `{"type":"ice-candidate","room_id":"r1","target_user_id":9,"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`

	msg, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, msg.Candidate)
	require.NotNil(t, msg.Candidate.SDPMid)
	require.NotNil(t, msg.Candidate.SDPMLineIndex)

	assert.Equal(t, "0", *msg.Candidate.SDPMid)
	assert.Equal(t, uint16(0), *msg.Candidate.SDPMLineIndex)
	assert.Nil(t, msg.Candidate.UsernameFragment)
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{"type":`},
		{name: "no type", raw: `{"room_id":"r1"}`},
		{name: "unknown type", raw: `{"type":"dance"}`},
		{name: "offer without sdp", raw: `{"type":"offer","room_id":"r1","target_user_id":2}`},
		{name: "answer without sdp", raw: `{"type":"answer","room_id":"r1","target_user_id":2}`},
		{name: "candidate without candidate", raw: `{"type":"ice-candidate","room_id":"r1","target_user_id":2}`},
		{name: "join without room", raw: `{"type":"join-room"}`},
		{name: "user-left without user", raw: `{"type":"user-left","room_id":"r1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			assert.ErrorIs(t, err, ErrTransport)
		})
	}
}

func TestMessageEncodeUsesWireNames(t *testing.T) {
	msg := NewOfferMessage("r1", 1, 2, "v=0", false)

	data, err := msg.Encode()
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "offer", fields["type"])
	assert.Equal(t, "r1", fields["room_id"])
	assert.EqualValues(t, 1, fields["from_user_id"])
	assert.EqualValues(t, 2, fields["target_user_id"])
	assert.Equal(t, false, fields["video_enabled"])
	assert.NotContains(t, fields, "candidate")
}

func TestMessageEncodeValidates(t *testing.T) {
	_, err := NewAnswerMessage("r1", 1, 2, "").Encode()
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestWantsVideoFallsBackToSDP(t *testing.T) {
	msg := Message{Type: MessageOffer, SDP: audioVideoSDP}
	assert.True(t, msg.WantsVideo())

	msg.SDP = audioOnlySDP
	assert.False(t, msg.WantsVideo())

	off := false
	msg = Message{Type: MessageOffer, SDP: audioVideoSDP, VideoEnabled: &off}
	assert.False(t, msg.WantsVideo())
}

func TestDescribesVideo(t *testing.T) {
	tests := []struct {
		name string
		sdp  string
		want bool
	}{
		{name: "audio only", sdp: audioOnlySDP, want: false},
		{name: "audio and video", sdp: audioVideoSDP, want: true},
		{name: "inactive video", sdp: inactiveVideoSDP, want: false},
		{name: "rejected video", sdp: rejectedVideoSDP, want: false},
		{name: "garbage", sdp: "not sdp", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DescribesVideo(tt.sdp))
		})
	}
}
