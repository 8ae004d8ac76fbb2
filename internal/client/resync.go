package client

import (
	"context"
	"fmt"

	"github.com/acadeveia/server/internal/chat"
	"github.com/google/uuid"
)

// Resync replaces the store's rooms with the server's list
func Resync(ctx context.Context, api *API, store *chat.Store) error {
	payloads, err := api.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	rooms := make([]chat.Room, 0, len(payloads))
	for _, p := range payloads {
		room, err := p.ChatRoom()
		if err != nil {
			return fmt.Errorf("room %s: %w", p.ID, err)
		}
		rooms = append(rooms, room)
	}
	store.SetRooms(rooms)
	return nil
}

// LoadHistory backfills a room's messages
func LoadHistory(ctx context.Context, api *API, store *chat.Store, roomID uuid.UUID, limit int) error {
	payloads, err := api.Messages(ctx, roomID, limit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	msgs := make([]chat.Message, 0, len(payloads))
	for _, p := range payloads {
		m, err := p.ChatMessage()
		if err != nil {
			return fmt.Errorf("message %s: %w", p.ID, err)
		}
		msgs = append(msgs, m)
	}
	store.SetMessages(roomID, msgs)
	return nil
}
