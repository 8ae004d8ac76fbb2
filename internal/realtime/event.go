// Package realtime carries chat events over WebSockets: the server hub and the client dispatcher.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/acadeveia/server/internal/chat"
	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
)

// EventType names an envelope
type EventType string

// Server to client
const (
	EventMessage      EventType = "message"
	EventUserTyping   EventType = "userTyping"
	EventUserJoined   EventType = "userJoined"
	EventUserLeft     EventType = "userLeft"
	EventPresence     EventType = "presence"
	EventJoinedRoom   EventType = "joinedRoom"
	EventLeftRoom     EventType = "leftRoom"
	EventRoomUpdated  EventType = "roomUpdated"
	EventNotification EventType = "notification"
	EventError        EventType = "error"
)

// Client to server
const (
	EventSendMessage EventType = "sendMessage"
	EventTyping      EventType = "typing"
	EventJoinRoom    EventType = "joinRoom"
	EventLeaveRoom   EventType = "leaveRoom"
)

// Envelope is the frame exchanged on the socket
type Envelope struct {
	Type    EventType       `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendMessagePayload is the body of a sendMessage event
type SendMessagePayload struct {
	Content string            `json:"content"`
	Type    model.MessageType `json:"type,omitempty"`
	FileURL string            `json:"fileUrl,omitempty"`
}

// TypingPayload is the body of typing (client) and userTyping (server) events
type TypingPayload struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// MemberPayload is the body of userJoined and userLeft
type MemberPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PresencePayload carries the full set of online users
type PresencePayload struct {
	OnlineUsers []string `json:"onlineUsers"`
}

// NotificationPayload is a message alert for a room the user is not viewing
type NotificationPayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a rejected client event
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessagePayload is a chat message on the wire (also used by the HTTP history endpoint)
type MessagePayload struct {
	ID         string            `json:"id"`
	RoomID     string            `json:"roomId"`
	Content    string            `json:"content"`
	SenderID   string            `json:"senderId"`
	SenderName string            `json:"senderName"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       model.MessageType `json:"type"`
	FileURL    string            `json:"fileUrl,omitempty"`
}

// RoomPayload is a chat room on the wire (also used by the HTTP room endpoints)
type RoomPayload struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         model.RoomType  `json:"type"`
	Participants []string        `json:"participants"`
	LastMessage  *MessagePayload `json:"lastMessage,omitempty"`
	UnreadCount  int             `json:"unreadCount"`
	CreatedBy    string          `json:"createdBy,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// NewMessagePayload converts a stored message
func NewMessagePayload(m model.Message) MessagePayload {
	return MessagePayload{
		ID:         m.ID.String(),
		RoomID:     m.RoomID.String(),
		Content:    m.Content,
		SenderID:   m.SenderID.String(),
		SenderName: m.SenderName,
		Timestamp:  m.CreatedAt,
		Type:       m.Type,
		FileURL:    m.FileURL,
	}
}

// NewRoomPayload converts a stored room
func NewRoomPayload(r model.Room) RoomPayload {
	participants := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		participants = append(participants, p.String())
	}
	return RoomPayload{
		ID:           r.ID.String(),
		Name:         r.Name,
		Type:         r.Type,
		Participants: participants,
		CreatedBy:    r.CreatedBy.String(),
		CreatedAt:    r.CreatedAt,
	}
}

// ChatMessage converts the wire form into the client store form
func (p MessagePayload) ChatMessage() (chat.Message, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return chat.Message{}, err
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		return chat.Message{}, err
	}
	senderID, err := uuid.Parse(p.SenderID)
	if err != nil {
		return chat.Message{}, err
	}
	msgType := p.Type
	if !msgType.Valid() {
		msgType = model.MessageTypeText
	}
	return chat.Message{
		ID:         id,
		RoomID:     roomID,
		Content:    p.Content,
		SenderID:   senderID,
		SenderName: p.SenderName,
		Timestamp:  p.Timestamp,
		Type:       msgType,
		FileURL:    p.FileURL,
	}, nil
}

// ChatRoom converts the wire form into the client store form
func (p RoomPayload) ChatRoom() (chat.Room, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return chat.Room{}, err
	}
	participants, err := parseIDs(p.Participants)
	if err != nil {
		return chat.Room{}, err
	}
	room := chat.Room{
		ID:           id,
		Name:         p.Name,
		Type:         p.Type,
		Participants: participants,
		UnreadCount:  p.UnreadCount,
	}
	if p.LastMessage != nil {
		last, err := p.LastMessage.ChatMessage()
		if err != nil {
			return chat.Room{}, err
		}
		room.LastMessage = &last
	}
	return room, nil
}

// NewEnvelope marshals payload into an envelope
func NewEnvelope(t EventType, roomID, sender string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t, RoomID: roomID, Sender: sender}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

func mustEnvelope(t EventType, roomID, sender string, payload interface{}) Envelope {
	env, err := NewEnvelope(t, roomID, sender, payload)
	if err != nil {
		// payloads are package-defined structs
		panic(err)
	}
	return env
}

func parseIDs(ids []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
