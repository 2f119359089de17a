package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/sdp/v3"
)

type MessageType string

const (
	MessageJoinRoom     MessageType = "join-room"
	MessageLeaveRoom    MessageType = "leave-room"
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageCallRejected MessageType = "call-rejected"
	MessageUserJoined   MessageType = "user-joined"
	MessageUserLeft     MessageType = "user-left"
	MessageRoomUsers    MessageType = "room-users"
	MessageError        MessageType = "error"
	MessageConnected    MessageType = "connected"
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type Description struct {
	Type SDPType
	SDP  string
}

// Candidate mirrors the browser's RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is the single envelope for everything exchanged with the relay.
// Which fields are meaningful depends on Type; Validate enforces it.
type Message struct {
	Type         MessageType `json:"type"`
	SessionID    SessionID   `json:"room_id,omitempty"`
	FromUserID   UserID      `json:"from_user_id,omitempty"`
	ToUserID     UserID      `json:"target_user_id,omitempty"`
	UserID       UserID      `json:"user_id,omitempty"`
	SDP          string      `json:"sdp,omitempty"`
	Candidate    *Candidate  `json:"candidate,omitempty"`
	VideoEnabled *bool       `json:"video_enabled,omitempty"`
	Users        []UserID    `json:"users,omitempty"`
	Reason       string      `json:"message,omitempty"`
}

func NewOfferMessage(id SessionID, from, to UserID, sdp string, video bool) Message {
	return Message{Type: MessageOffer, SessionID: id, FromUserID: from, ToUserID: to, SDP: sdp, VideoEnabled: &video}
}

func NewAnswerMessage(id SessionID, from, to UserID, sdp string) Message {
	return Message{Type: MessageAnswer, SessionID: id, FromUserID: from, ToUserID: to, SDP: sdp}
}

func NewCandidateMessage(id SessionID, from, to UserID, c Candidate) Message {
	return Message{Type: MessageICECandidate, SessionID: id, FromUserID: from, ToUserID: to, Candidate: &c}
}

func NewJoinRoomMessage(id SessionID) Message {
	return Message{Type: MessageJoinRoom, SessionID: id}
}

func NewLeaveRoomMessage(id SessionID) Message {
	return Message{Type: MessageLeaveRoom, SessionID: id}
}

func NewCallRejectedMessage(id SessionID, from, to UserID) Message {
	return Message{Type: MessageCallRejected, SessionID: id, FromUserID: from, ToUserID: to}
}

func NewUserJoinedMessage(id SessionID, user UserID) Message {
	return Message{Type: MessageUserJoined, SessionID: id, UserID: user}
}

func NewUserLeftMessage(id SessionID, user UserID) Message {
	return Message{Type: MessageUserLeft, SessionID: id, UserID: user}
}

func NewRoomUsersMessage(id SessionID, users []UserID) Message {
	return Message{Type: MessageRoomUsers, SessionID: id, Users: users}
}

func NewConnectedMessage(user UserID) Message {
	return Message{Type: MessageConnected, UserID: user, Reason: "websocket connected successfully"}
}

func NewErrorMessage(reason string) Message {
	return Message{Type: MessageError, Reason: reason}
}

func (m Message) Description() Description {
	t := SDPOffer
	if m.Type == MessageAnswer {
		t = SDPAnswer
	}
	return Description{Type: t, SDP: m.SDP}
}

// WantsVideo reports whether an offer asks for video. Peers that omit the
// flag are judged by the media sections of the offer itself.
func (m Message) WantsVideo() bool {
	if m.VideoEnabled != nil {
		return *m.VideoEnabled
	}
	return DescribesVideo(m.SDP)
}

func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s without %s", ErrMalformedMessage, m.Type, field)
	}
	switch m.Type {
	case MessageOffer, MessageAnswer:
		if m.SDP == "" {
			return missing("sdp")
		}
	case MessageICECandidate:
		if m.Candidate == nil {
			return missing("candidate")
		}
	case MessageJoinRoom, MessageLeaveRoom, MessageRoomUsers:
		if m.SessionID == "" {
			return missing("room_id")
		}
	case MessageUserJoined, MessageUserLeft, MessageConnected:
		if m.UserID == 0 {
			return missing("user_id")
		}
	case MessageCallRejected:
		if m.FromUserID == 0 && m.ToUserID == 0 {
			return missing("peer")
		}
	case MessageError:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	return nil
}

// DescribesVideo reports whether the session description carries an
// active video media section.
func DescribesVideo(raw string) bool {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return false
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != string(TrackVideo) || md.MediaName.Port.Value == 0 {
			continue
		}
		if _, inactive := md.Attribute("inactive"); inactive {
			continue
		}
		return true
	}
	return false
}
