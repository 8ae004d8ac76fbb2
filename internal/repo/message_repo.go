package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
)

// MessageRepo defines the interface for chat message persistence
type MessageRepo interface {
	Append(ctx context.Context, msg model.Message) (model.Message, error)
	// ListByRoom returns at most limit of the most recent messages, in append order
	ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]model.Message, error)
}

type messageRepo struct {
	db *sql.DB
}

// NewMessageRepo creates a Postgres-backed MessageRepo
func NewMessageRepo(db *sql.DB) MessageRepo {
	return &messageRepo{db: db}
}

// Append stores msg; seq (bigserial) records arrival order independent of timestamps
func (r *messageRepo) Append(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, sender_name, content, type, file_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Content, string(msg.Type), msg.FileURL).Scan(&msg.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (r *messageRepo) ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, sender_name, content, type, file_url, created_at
		FROM (
			SELECT * FROM messages WHERE room_id = $1 ORDER BY seq DESC LIMIT $2
		) recent
		ORDER BY seq ASC
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		var m model.Message
		var idStr, roomStr, senderStr, msgType string
		if err := rows.Scan(&idStr, &roomStr, &senderStr, &m.SenderName, &m.Content, &msgType, &m.FileURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse message ID: %w", err)
		}
		if m.RoomID, err = uuid.Parse(roomStr); err != nil {
			return nil, fmt.Errorf("parse room ID: %w", err)
		}
		if m.SenderID, err = uuid.Parse(senderStr); err != nil {
			return nil, fmt.Errorf("parse sender ID: %w", err)
		}
		m.Type = model.MessageType(msgType)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
