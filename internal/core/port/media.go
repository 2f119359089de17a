package port

import (
	"context"

	"github.com/Wyydra/duet/internal/core/domain"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Enabled() bool
	SetEnabled(on bool)
	Stop()
}

type MediaCapability interface {
	AcquireLocalMedia(ctx context.Context, c MediaConstraints) ([]LocalTrack, error)
	NewTransport(ctx context.Context, servers []domain.ICEServer) (PeerTransport, error)
}

type TransportEventType int

const (
	EventICECandidate TransportEventType = iota
	EventRemoteTrack
	EventConnectionState
)

type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

type TransportEvent struct {
	Type      TransportEventType
	Candidate domain.Candidate
	TrackKind domain.TrackKind
	TrackID   string
	State     ConnectionState
}

// PeerTransport is one peer connection. CreateOffer and CreateAnswer also
// install the result as the local description.
type PeerTransport interface {
	AddTrack(track LocalTrack) error
	// ReplaceTrack puts the track on an existing sender of the same kind
	// that currently carries nothing. It reports false when no such sender
	// exists.
	ReplaceTrack(track LocalTrack) (bool, error)
	RemoveTrack(kind domain.TrackKind) error
	CreateOffer(ctx context.Context) (domain.Description, error)
	CreateAnswer(ctx context.Context) (domain.Description, error)
	SetRemoteDescription(ctx context.Context, desc domain.Description) error
	AddICECandidate(c domain.Candidate) error
	Rollback() error
	Events() <-chan TransportEvent
	Close() error
}
