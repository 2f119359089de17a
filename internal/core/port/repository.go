package port

import (
	"context"

	"github.com/Wyydra/duet/internal/core/domain"
)

// RoomService is the REST room bookkeeping consumed by a peer.
type RoomService interface {
	CreateRoom(ctx context.Context, creator domain.UserID) (domain.SessionID, error)
	JoinRoom(ctx context.Context, id domain.SessionID, user domain.UserID) error
	LeaveRoom(ctx context.Context, id domain.SessionID, user domain.UserID) error
}

type RoomRepository interface {
	Save(ctx context.Context, room *domain.Room) error
	Get(ctx context.Context, id domain.SessionID) (*domain.Room, error)
	// Update loads the room, applies fn and stores the result atomically.
	// Nothing is stored when fn fails.
	Update(ctx context.Context, id domain.SessionID, fn func(*domain.Room) error) (*domain.Room, error)
	ListActive(ctx context.Context) ([]*domain.Room, error)
}

type CallLogRepository interface {
	Save(ctx context.Context, rec domain.CallRecord) error
	List(ctx context.Context, user domain.UserID) ([]domain.CallRecord, error)
}
