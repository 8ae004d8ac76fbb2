package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/acadeveia/server/internal/chat"
	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Socket is an authenticated chat connection feeding a chat.Store
type Socket struct {
	conn       *websocket.Conn
	dispatcher *realtime.Dispatcher

	writeMu sync.Mutex
}

// Dial opens the chat socket at wsURL with the bearer token
func Dial(ctx context.Context, wsURL, token string, store *chat.Store) (*Socket, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &Socket{conn: conn, dispatcher: realtime.NewDispatcher(store)}, nil
}

// Dispatcher exposes the dispatcher for registering callbacks
func (s *Socket) Dispatcher() *realtime.Dispatcher { return s.dispatcher }

// Run reads frames into the dispatcher until the connection ends or ctx is done.
// A normal close returns nil.
func (s *Socket) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s.dispatcher.HandleFrame(frame)
	}
}

// SendMessage sends a text message to roomID
func (s *Socket) SendMessage(roomID uuid.UUID, content string) error {
	return s.send(realtime.EventSendMessage, roomID, realtime.SendMessagePayload{Content: content, Type: model.MessageTypeText})
}

// SendFile sends an image or file message that points at an uploaded fileURL
func (s *Socket) SendFile(roomID uuid.UUID, msgType model.MessageType, fileURL, caption string) error {
	if msgType == model.MessageTypeText || !msgType.Valid() {
		return errors.New("attachment type must be image or file")
	}
	return s.send(realtime.EventSendMessage, roomID, realtime.SendMessagePayload{Content: caption, Type: msgType, FileURL: fileURL})
}

// Typing starts or stops the typing indicator in roomID
func (s *Socket) Typing(roomID uuid.UUID, isTyping bool) error {
	return s.send(realtime.EventTyping, roomID, realtime.TypingPayload{IsTyping: isTyping})
}

// JoinRoom subscribes to live events of roomID; the server answers with joinedRoom
func (s *Socket) JoinRoom(roomID uuid.UUID) error {
	return s.send(realtime.EventJoinRoom, roomID, nil)
}

// LeaveRoom stops live events of roomID without leaving the room's membership
func (s *Socket) LeaveRoom(roomID uuid.UUID) error {
	return s.send(realtime.EventLeaveRoom, roomID, nil)
}

// Close sends a close frame and closes the connection
func (s *Socket) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Socket) send(t realtime.EventType, roomID uuid.UUID, payload interface{}) error {
	env, err := realtime.NewEnvelope(t, roomID.String(), "", payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}
