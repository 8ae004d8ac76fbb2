// Package chat holds the client-side view of rooms, messages, typing indicators and presence.
package chat

import (
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
)

// Room is a room as the viewer sees it
type Room struct {
	ID           uuid.UUID
	Name         string
	Type         model.RoomType
	Participants []uuid.UUID
	LastMessage  *Message
	UnreadCount  int
}

// Message is one entry of a room's ordered history
type Message struct {
	ID         uuid.UUID
	RoomID     uuid.UUID
	Content    string
	SenderID   uuid.UUID
	SenderName string
	Timestamp  time.Time
	Type       model.MessageType
	FileURL    string
}

// Snapshot is an immutable copy of the store state
type Snapshot struct {
	Version    uint64
	Rooms      []Room
	ActiveRoom *uuid.UUID
	Messages   map[uuid.UUID][]Message
	Typing     map[uuid.UUID][]uuid.UUID
	Online     []uuid.UUID
}

// Room returns the room with id from the snapshot
func (s Snapshot) Room(id uuid.UUID) (Room, bool) {
	for _, r := range s.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return Room{}, false
}

func (r Room) clone() Room {
	c := r
	c.Participants = append([]uuid.UUID(nil), r.Participants...)
	if r.LastMessage != nil {
		m := *r.LastMessage
		c.LastMessage = &m
	}
	return c
}
