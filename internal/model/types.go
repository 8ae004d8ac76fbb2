package model

import (
	"time"

	"github.com/google/uuid"
)

// UserType is the role a user authenticates as
type UserType string

const (
	UserTypeStudent UserType = "student"
	UserTypeAdmin   UserType = "admin"
)

// Valid reports whether t is one of the recognized roles
func (t UserType) Valid() bool {
	switch t {
	case UserTypeStudent, UserTypeAdmin:
		return true
	}
	return false
}

// User represents a user in the system. A phone number may hold one account per role.
type User struct {
	ID          uuid.UUID
	Name        string
	PhoneNumber string
	UserType    UserType
	CreatedAt   time.Time
}

// OtpRecord is a one-time code bound to a (phone number, user type) pair
type OtpRecord struct {
	ID           uuid.UUID
	PhoneNumber  string
	UserType     UserType
	CodeHash     []byte
	IssuedAt     time.Time
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
	SupersededAt *time.Time
}

// Consumed reports whether the record was already used for a successful verification
func (r OtpRecord) Consumed() bool {
	return r.ConsumedAt != nil
}

// Expired reports whether now is past the validity window
func (r OtpRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// RefreshSession represents a refresh token session
type RefreshSession struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *uuid.UUID
}

// RoomType classifies a chat room
type RoomType string

const (
	RoomTypeDirect RoomType = "direct"
	RoomTypeGroup  RoomType = "group"
	RoomTypeClass  RoomType = "class"
)

// Valid reports whether t is a known room type
func (t RoomType) Valid() bool {
	switch t {
	case RoomTypeDirect, RoomTypeGroup, RoomTypeClass:
		return true
	}
	return false
}

// MessageType classifies message content
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Room is a persisted chat room with its participant set
type Room struct {
	ID           uuid.UUID
	Name         string
	Type         RoomType
	Participants []uuid.UUID
	CreatedBy    uuid.UUID
	CreatedAt    time.Time
}

// HasParticipant reports whether userID belongs to the room
func (r Room) HasParticipant(userID uuid.UUID) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a persisted chat message
type Message struct {
	ID         uuid.UUID
	RoomID     uuid.UUID
	SenderID   uuid.UUID
	SenderName string
	Content    string
	Type       MessageType
	FileURL    string
	CreatedAt  time.Time
}

// DisplayName returns the user's name, or a short phone-derived label when no name is set
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if len(u.PhoneNumber) <= 4 {
		return "User"
	}
	return "User " + u.PhoneNumber[len(u.PhoneNumber)-4:]
}
