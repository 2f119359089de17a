package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/port"
	"github.com/rs/zerolog/log"
)

// RoomDirectory is the relay-side bookkeeping behind the rooms REST API.
type RoomDirectory struct {
	repo port.RoomRepository
	now  func() time.Time
}

func NewRoomDirectory(repo port.RoomRepository) *RoomDirectory {
	return &RoomDirectory{repo: repo, now: time.Now}
}

func (d *RoomDirectory) Create(ctx context.Context, creator domain.UserID) (*domain.Room, error) {
	if creator <= 0 {
		return nil, fmt.Errorf("%w: creator_id must be positive", domain.ErrInvalidInput)
	}
	room := domain.NewRoom(creator, d.now())
	if err := d.repo.Save(ctx, room); err != nil {
		return nil, fmt.Errorf("save room: %w", err)
	}
	log.Info().Stringer("room_id", room.ID).Stringer("creator_id", creator).Msg("Room created")
	return room, nil
}

func (d *RoomDirectory) Get(ctx context.Context, id domain.SessionID) (*domain.Room, error) {
	return d.repo.Get(ctx, id)
}

func (d *RoomDirectory) ListActive(ctx context.Context) ([]*domain.Room, error) {
	return d.repo.ListActive(ctx)
}

func (d *RoomDirectory) Join(ctx context.Context, id domain.SessionID, user domain.UserID) (*domain.Room, error) {
	if user <= 0 {
		return nil, fmt.Errorf("%w: user_id must be positive", domain.ErrInvalidInput)
	}
	return d.repo.Update(ctx, id, func(room *domain.Room) error {
		if !room.IsActive {
			return fmt.Errorf("%w: %s", domain.ErrRoomClosed, id)
		}
		room.Join(user)
		return nil
	})
}

func (d *RoomDirectory) Leave(ctx context.Context, id domain.SessionID, user domain.UserID) (*domain.Room, error) {
	room, err := d.repo.Update(ctx, id, func(room *domain.Room) error {
		room.Leave(user)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !room.IsActive {
		log.Info().Stringer("room_id", id).Msg("Room closed")
	}
	return room, nil
}
