package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// RoomRepo defines the interface for chat room repository operations
type RoomRepo interface {
	Create(ctx context.Context, room model.Room) (model.Room, error)
	Get(ctx context.Context, id uuid.UUID) (model.Room, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]model.Room, error)
}

type roomRepo struct {
	db *sql.DB
}

// NewRoomRepo creates a Postgres-backed RoomRepo
func NewRoomRepo(db *sql.DB) RoomRepo {
	return &roomRepo{db: db}
}

// Create inserts the room and its participant rows in one transaction
func (r *roomRepo) Create(ctx context.Context, room model.Room) (model.Room, error) {
	if room.ID == uuid.Nil {
		room.ID = uuid.New()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Room{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO rooms (id, name, type, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, room.ID, room.Name, string(room.Type), room.CreatedBy).Scan(&room.CreatedAt)
	if err != nil {
		return model.Room{}, fmt.Errorf("insert room: %w", err)
	}

	for _, p := range room.Participants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_participants (room_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, room.ID, p)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
				return model.Room{}, fmt.Errorf("participant %s: %w", p, ErrInvalidReference)
			}
			return model.Room{}, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Room{}, fmt.Errorf("commit: %w", err)
	}
	return room, nil
}

// Get loads a room with its participants
func (r *roomRepo) Get(ctx context.Context, id uuid.UUID) (model.Room, error) {
	var room model.Room
	var idStr, roomType, createdBy string
	var participants pq.StringArray
	err := r.db.QueryRowContext(ctx, `
		SELECT r.id, r.name, r.type, r.created_by, r.created_at,
		       COALESCE(array_agg(p.user_id::text) FILTER (WHERE p.user_id IS NOT NULL), '{}')
		FROM rooms r
		LEFT JOIN room_participants p ON p.room_id = r.id
		WHERE r.id = $1
		GROUP BY r.id
	`, id).Scan(&idStr, &room.Name, &roomType, &createdBy, &room.CreatedAt, &participants)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Room{}, ErrNotFound
		}
		return model.Room{}, fmt.Errorf("query room: %w", err)
	}
	return buildRoom(room, idStr, roomType, createdBy, participants)
}

// ListForUser returns every room userID participates in, oldest first
func (r *roomRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.Room, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.type, r.created_by, r.created_at,
		       COALESCE(array_agg(p.user_id::text) FILTER (WHERE p.user_id IS NOT NULL), '{}')
		FROM rooms r
		JOIN room_participants me ON me.room_id = r.id AND me.user_id = $1
		LEFT JOIN room_participants p ON p.room_id = r.id
		GROUP BY r.id
		ORDER BY r.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0)
	for rows.Next() {
		var room model.Room
		var idStr, roomType, createdBy string
		var participants pq.StringArray
		if err := rows.Scan(&idStr, &room.Name, &roomType, &createdBy, &room.CreatedAt, &participants); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room, err = buildRoom(room, idStr, roomType, createdBy, participants)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

func buildRoom(room model.Room, idStr, roomType, createdBy string, participants []string) (model.Room, error) {
	var err error
	if room.ID, err = uuid.Parse(idStr); err != nil {
		return model.Room{}, fmt.Errorf("parse room ID: %w", err)
	}
	if room.CreatedBy, err = uuid.Parse(createdBy); err != nil {
		return model.Room{}, fmt.Errorf("parse creator ID: %w", err)
	}
	room.Type = model.RoomType(roomType)
	room.Participants = make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		id, err := uuid.Parse(p)
		if err != nil {
			return model.Room{}, fmt.Errorf("parse participant ID: %w", err)
		}
		room.Participants = append(room.Participants, id)
	}
	return room, nil
}
