package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RoomRepository implements port.RoomRepository on SQLite.
type RoomRepository struct {
	db *sql.DB
}

func NewRoomRepository(db *sql.DB) *RoomRepository {
	return &RoomRepository{db: db}
}

func (r *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveRoom(ctx, tx, room); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit room: %w", err)
	}
	return nil
}

func (r *RoomRepository) Get(ctx context.Context, id domain.SessionID) (*domain.Room, error) {
	return getRoom(ctx, r.db, id)
}

// Update runs the read, fn and the write inside one transaction.
func (r *RoomRepository) Update(ctx context.Context, id domain.SessionID, fn func(*domain.Room) error) (*domain.Room, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	room, err := getRoom(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(room); err != nil {
		return nil, err
	}
	if err := saveRoom(ctx, tx, room); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit room: %w", err)
	}
	return room, nil
}

func (r *RoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM rooms WHERE is_active = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	var ids []domain.SessionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		ids = append(ids, domain.SessionID(id))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating room rows: %w", err)
	}
	rows.Close()

	rooms := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := getRoom(ctx, r.db, id)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func saveRoom(ctx context.Context, q querier, room *domain.Room) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO rooms (id, creator_id, is_active, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET is_active = excluded.is_active`,
		room.ID.String(), int64(room.CreatorID), room.IsActive, room.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ?`, room.ID.String()); err != nil {
		return fmt.Errorf("failed to clear participants: %w", err)
	}
	for i, user := range room.Participants {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO room_participants (room_id, user_id, position) VALUES (?, ?, ?)`,
			room.ID.String(), int64(user), i,
		); err != nil {
			return fmt.Errorf("failed to save participant: %w", err)
		}
	}
	return nil
}

func getRoom(ctx context.Context, q querier, id domain.SessionID) (*domain.Room, error) {
	var (
		creator   int64
		createdAt int64
		room      = &domain.Room{ID: id}
	)
	err := q.QueryRowContext(ctx,
		`SELECT creator_id, is_active, created_at FROM rooms WHERE id = ?`, id.String(),
	).Scan(&creator, &room.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	room.CreatorID = domain.UserID(creator)
	room.CreatedAt = time.UnixMilli(createdAt).UTC()

	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY position`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	room.Participants = []domain.UserID{}
	for rows.Next() {
		var user int64
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		room.Participants = append(room.Participants, domain.UserID(user))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participant rows: %w", err)
	}
	return room, nil
}
