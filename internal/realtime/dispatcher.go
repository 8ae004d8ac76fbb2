package realtime

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/acadeveia/server/internal/chat"
	"github.com/google/uuid"
)

// Dispatcher applies inbound server events to a chat.Store. Malformed and unknown events are
// logged and dropped; they never reach the read loop as errors.
type Dispatcher struct {
	store          *chat.Store
	onNotification func(roomID uuid.UUID, n NotificationPayload)
	onError        func(ErrorPayload)
	logger         *log.Logger
}

// NewDispatcher creates a dispatcher for store
func NewDispatcher(store *chat.Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// OnNotification registers a callback for notification events (after the unread bump)
func (d *Dispatcher) OnNotification(fn func(roomID uuid.UUID, n NotificationPayload)) {
	d.onNotification = fn
}

// OnError registers a callback for error events sent by the server
func (d *Dispatcher) OnError(fn func(ErrorPayload)) {
	d.onError = fn
}

// SetLogger routes drop messages to logger instead of the standard logger
func (d *Dispatcher) SetLogger(logger *log.Logger) {
	d.logger = logger
}

// HandleFrame decodes a raw frame and dispatches it
func (d *Dispatcher) HandleFrame(frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		d.logf("Dropping malformed frame: %v", err)
		return
	}
	d.Dispatch(env)
}

// Dispatch applies one event
func (d *Dispatcher) Dispatch(env Envelope) {
	if err := d.apply(env); err != nil {
		d.logf("Dropping %s event: %v", env.Type, err)
	}
}

func (d *Dispatcher) apply(env Envelope) error {
	switch env.Type {
	case EventMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		msg, err := p.ChatMessage()
		if err != nil {
			return err
		}
		roomID := msg.RoomID
		if env.RoomID != "" {
			if roomID, err = uuid.Parse(env.RoomID); err != nil {
				return err
			}
		}
		// a delivered message ends the sender's typing indicator
		d.store.ReceiveMessage(roomID, msg)

	case EventUserTyping:
		roomID, err := uuid.Parse(env.RoomID)
		if err != nil {
			return err
		}
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		userID, err := d.userID(p.UserID, env.Sender)
		if err != nil {
			return err
		}
		d.store.SetTyping(roomID, userID, p.IsTyping)

	case EventUserJoined, EventUserLeft:
		roomID, err := uuid.Parse(env.RoomID)
		if err != nil {
			return err
		}
		var p MemberPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		userID, err := d.userID(p.UserID, env.Sender)
		if err != nil {
			return err
		}
		if env.Type == EventUserJoined {
			d.store.AddParticipant(roomID, userID)
			d.store.MarkOnline(userID)
		} else {
			d.store.SetTyping(roomID, userID, false)
		}

	case EventPresence:
		var p PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		ids, err := parseIDs(p.OnlineUsers)
		if err != nil {
			return err
		}
		d.store.SetOnlineUsers(ids)

	case EventJoinedRoom, EventRoomUpdated:
		var p RoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		room, err := p.ChatRoom()
		if err != nil {
			return err
		}
		if env.Type == EventJoinedRoom {
			d.store.EnterRoom(room)
		} else {
			d.store.UpsertRoom(room)
		}

	case EventLeftRoom:
		roomID, err := uuid.Parse(env.RoomID)
		if err != nil {
			return err
		}
		if active, ok := d.store.ActiveRoom(); ok && active == roomID {
			d.store.ClearActiveRoom()
		}

	case EventNotification:
		roomID, err := uuid.Parse(env.RoomID)
		if err != nil {
			return err
		}
		var p NotificationPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return err
			}
		}
		d.store.IncrementUnread(roomID)
		if d.onNotification != nil {
			d.onNotification(roomID, p)
		}

	case EventError:
		var p ErrorPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return err
			}
		}
		d.logf("Server error: %s: %s", p.Code, p.Message)
		if d.onError != nil {
			d.onError(p)
		}

	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	return nil
}

func (d *Dispatcher) userID(fromPayload, sender string) (uuid.UUID, error) {
	if fromPayload != "" {
		return uuid.Parse(fromPayload)
	}
	return uuid.Parse(sender)
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
