package domain

import (
	"time"
)

type CallStatus int

const (
	StatusIdle CallStatus = iota
	StatusOutgoing
	StatusIncomingRinging
	StatusNegotiating
	StatusConnected
	StatusEnded
	StatusFailed
)

func (s CallStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusOutgoing:
		return "outgoing"
	case StatusIncomingRinging:
		return "incoming_ringing"
	case StatusNegotiating:
		return "negotiating"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s CallStatus) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// IsLive reports whether a call is in progress (neither idle nor terminal).
func (s CallStatus) IsLive() bool {
	return s != StatusIdle && !s.IsTerminal()
}

var transitions = map[CallStatus][]CallStatus{
	StatusIdle:            {StatusOutgoing, StatusIncomingRinging},
	StatusOutgoing:        {StatusNegotiating, StatusEnded, StatusFailed},
	StatusIncomingRinging: {StatusNegotiating, StatusEnded, StatusFailed},
	StatusNegotiating:     {StatusConnected, StatusEnded, StatusFailed},
	StatusConnected:       {StatusEnded, StatusFailed},
}

// CanTransition reports whether next may follow s inside one generation.
// Returning to idle always starts a new generation and is not listed here.
func (s CallStatus) CanTransition(next CallStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type MediaFlags struct {
	AudioEnabled bool `json:"audio_enabled"`
	VideoEnabled bool `json:"video_enabled"`
}

func (f MediaFlags) Enabled(kind TrackKind) bool {
	if kind == TrackVideo {
		return f.VideoEnabled
	}
	return f.AudioEnabled
}

func (f *MediaFlags) Set(kind TrackKind, on bool) {
	if kind == TrackVideo {
		f.VideoEnabled = on
		return
	}
	f.AudioEnabled = on
}

// CallSession is the single active call record of a client.
type CallSession struct {
	SessionID    SessionID
	LocalUserID  UserID
	RemoteUserID UserID
	Status       CallStatus
	IsIncoming   bool
	StartedAt    time.Time
	ConnectedAt  time.Time
	EndedAt      time.Time
	LastError    ErrorKind
	Media        MediaFlags
	RemoteVideo  bool // video asked for in the latest remote offer
	Generation   uint64
}

func NewOutgoingSession(id SessionID, local, remote UserID, media MediaFlags, gen uint64, now time.Time) *CallSession {
	return &CallSession{
		SessionID:    id,
		LocalUserID:  local,
		RemoteUserID: remote,
		Status:       StatusOutgoing,
		StartedAt:    now,
		Media:        media,
		Generation:   gen,
	}
}

func NewIncomingSession(id SessionID, local, remote UserID, gen uint64, now time.Time) *CallSession {
	return &CallSession{
		SessionID:    id,
		LocalUserID:  local,
		RemoteUserID: remote,
		Status:       StatusIncomingRinging,
		IsIncoming:   true,
		StartedAt:    now,
		Generation:   gen,
	}
}

// Duration counts from the connected moment up to the end (or now).
func (s *CallSession) Duration(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	end := now
	if !s.EndedAt.IsZero() {
		end = s.EndedAt
	}
	if end.Before(s.ConnectedAt) {
		return 0
	}
	return end.Sub(s.ConnectedAt)
}

func (s *CallSession) DurationSeconds(now time.Time) int {
	return int(s.Duration(now) / time.Second)
}

// CallRecord is the call-log entry written once a session is terminal.
type CallRecord struct {
	SessionID       SessionID  `json:"room_id"`
	LocalUserID     UserID     `json:"local_user_id"`
	RemoteUserID    UserID     `json:"remote_user_id"`
	Incoming        bool       `json:"incoming"`
	Outcome         CallStatus `json:"-"`
	OutcomeName     string     `json:"outcome"`
	LastError       ErrorKind  `json:"last_error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	ConnectedAt     time.Time  `json:"connected_at,omitzero"`
	EndedAt         time.Time  `json:"ended_at"`
	DurationSeconds int        `json:"duration_seconds"`
}

func NewCallRecord(s *CallSession) CallRecord {
	return CallRecord{
		SessionID:       s.SessionID,
		LocalUserID:     s.LocalUserID,
		RemoteUserID:    s.RemoteUserID,
		Incoming:        s.IsIncoming,
		Outcome:         s.Status,
		OutcomeName:     s.Status.String(),
		LastError:       s.LastError,
		StartedAt:       s.StartedAt,
		ConnectedAt:     s.ConnectedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds(s.EndedAt),
	}
}
