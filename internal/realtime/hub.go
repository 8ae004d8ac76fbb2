package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/repo"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxContentLength = 4000

// Options tunes connection handling
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultOptions are the keepalive and buffer settings used when a field is zero
var DefaultOptions = Options{
	WriteWait:      10 * time.Second,
	PongWait:       60 * time.Second,
	MaxMessageSize: 64 * 1024,
	SendBuffer:     256,
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultOptions.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultOptions.PongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultOptions.MaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultOptions.SendBuffer
	}
	return o
}

type inboundEvent struct {
	conn *Conn
	env  Envelope
}

// Hub owns every live connection of this instance and routes chat events between them
type Hub struct {
	rooms    repo.RoomRepo
	messages repo.MessageRepo
	broker   Broker
	opts     Options

	register   chan *Conn
	unregister chan *Conn
	inbound    chan inboundEvent
	done       chan struct{}
	stopOnce   sync.Once

	mu       sync.RWMutex
	clients  map[uuid.UUID]map[*Conn]bool
	roomSubs map[uuid.UUID]map[*Conn]bool
}

// NewHub creates a hub. A nil broker means single-instance mode.
func NewHub(rooms repo.RoomRepo, messages repo.MessageRepo, broker Broker, opts Options) *Hub {
	if broker == nil {
		broker = NewLocalBroker()
	}
	return &Hub{
		rooms:      rooms,
		messages:   messages,
		broker:     broker,
		opts:       opts.withDefaults(),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		inbound:    make(chan inboundEvent, 64),
		done:       make(chan struct{}),
		clients:    make(map[uuid.UUID]map[*Conn]bool),
		roomSubs:   make(map[uuid.UUID]map[*Conn]bool),
	}
}

// Run processes hub events until ctx is cancelled, then closes every connection
func (h *Hub) Run(ctx context.Context) {
	remote, err := h.broker.Subscribe(ctx)
	if err != nil {
		log.Printf("Broker subscribe failed, running without fan-out: %v", err)
	}

	log.Println("WebSocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.handleRegister(ctx, c)
		case c := <-h.unregister:
			h.handleUnregister(ctx, c)
		case in := <-h.inbound:
			h.handleInbound(ctx, in.conn, in.env)
		case env, ok := <-remote:
			if !ok {
				remote = nil
				continue
			}
			h.handleRemote(ctx, env)
		}
	}
}

// Attach registers an upgraded connection for user and starts its pumps
func (h *Hub) Attach(ws *websocket.Conn, user model.User) {
	c := &Conn{
		hub:   h,
		ws:    ws,
		user:  user,
		send:  make(chan []byte, h.opts.SendBuffer),
		rooms: make(map[uuid.UUID]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// RoomCreated tells every online participant about a new room
func (h *Hub) RoomCreated(ctx context.Context, room model.Room) {
	env := mustEnvelope(EventRoomUpdated, room.ID.String(), room.CreatedBy.String(), NewRoomPayload(room))
	h.deliverToUsers(room.Participants, env)
	h.publish(ctx, env)
}

// Online returns the ids of connected users across all instances
func (h *Hub) Online(ctx context.Context) ([]string, error) {
	return h.broker.Online(ctx)
}

func (h *Hub) dispatchInbound(c *Conn, env Envelope) bool {
	select {
	case h.inbound <- inboundEvent{conn: c, env: env}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterConn(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) handleRegister(ctx context.Context, c *Conn) {
	h.mu.Lock()
	first := len(h.clients[c.user.ID]) == 0
	if h.clients[c.user.ID] == nil {
		h.clients[c.user.ID] = make(map[*Conn]bool)
	}
	h.clients[c.user.ID][c] = true
	h.mu.Unlock()

	log.Printf("Client registered: user=%s", c.user.ID)
	if first {
		if err := h.broker.SetOnline(ctx, c.user.ID.String(), true); err != nil {
			log.Printf("Error marking user online: %v", err)
		}
	}
	h.broadcastPresence(ctx)
}

func (h *Hub) handleUnregister(ctx context.Context, c *Conn) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	last := false
	if userConns, ok := h.clients[c.user.ID]; ok {
		delete(userConns, c)
		if len(userConns) == 0 {
			delete(h.clients, c.user.ID)
			last = true
		}
	}
	left := make([]uuid.UUID, 0, len(c.rooms))
	for roomID := range c.rooms {
		h.unsubscribeLocked(c, roomID)
		left = append(left, roomID)
	}
	c.closed = true
	close(c.send)
	h.mu.Unlock()

	log.Printf("Client unregistered: user=%s", c.user.ID)
	for _, roomID := range left {
		if !h.userSubscribed(c.user.ID, roomID) {
			h.emitRoomEvent(ctx, EventUserLeft, roomID, c.user, MemberPayload{UserID: c.user.ID.String(), Username: c.user.DisplayName()})
		}
	}
	if last {
		if err := h.broker.SetOnline(ctx, c.user.ID.String(), false); err != nil {
			log.Printf("Error marking user offline: %v", err)
		}
		h.broadcastPresence(ctx)
	}
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, conns := range h.clients {
			for c := range conns {
				if !c.closed {
					c.closed = true
					close(c.send)
				}
			}
		}
		h.clients = make(map[uuid.UUID]map[*Conn]bool)
		h.roomSubs = make(map[uuid.UUID]map[*Conn]bool)
		log.Println("WebSocket hub stopped")
	})
}

func (h *Hub) handleInbound(ctx context.Context, c *Conn, env Envelope) {
	h.mu.RLock()
	closed := c.closed
	h.mu.RUnlock()
	if closed {
		return
	}

	switch env.Type {
	case EventJoinRoom:
		h.handleJoin(ctx, c, env)
	case EventLeaveRoom:
		h.handleLeave(ctx, c, env)
	case EventTyping:
		h.handleTyping(ctx, c, env)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, env)
	default:
		log.Printf("Unknown message type: %s", env.Type)
		h.replyError(c, "unknown_event", "unknown event type")
	}
}

// memberRoom loads the room and checks that c's user participates in it
func (h *Hub) memberRoom(ctx context.Context, c *Conn, rawID string) (model.Room, bool) {
	roomID, err := uuid.Parse(rawID)
	if err != nil {
		h.replyError(c, "bad_request", "invalid room id")
		return model.Room{}, false
	}
	room, err := h.rooms.Get(ctx, roomID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.Printf("Error loading room %s: %v", roomID, err)
		}
		h.replyError(c, "not_found", "room not found")
		return model.Room{}, false
	}
	if !room.HasParticipant(c.user.ID) {
		h.replyError(c, "forbidden", "not a participant of this room")
		return model.Room{}, false
	}
	return room, true
}

func (h *Hub) handleJoin(ctx context.Context, c *Conn, env Envelope) {
	room, ok := h.memberRoom(ctx, c, env.RoomID)
	if !ok {
		return
	}

	alreadyThere := h.userSubscribed(c.user.ID, room.ID)
	h.mu.Lock()
	if h.roomSubs[room.ID] == nil {
		h.roomSubs[room.ID] = make(map[*Conn]bool)
	}
	h.roomSubs[room.ID][c] = true
	c.rooms[room.ID] = true
	c.enqueue(marshalEnvelope(mustEnvelope(EventJoinedRoom, room.ID.String(), "", NewRoomPayload(room))))
	h.mu.Unlock()

	if !alreadyThere {
		h.emitRoomEvent(ctx, EventUserJoined, room.ID, c.user, MemberPayload{UserID: c.user.ID.String(), Username: c.user.DisplayName()})
	}
}

func (h *Hub) handleLeave(ctx context.Context, c *Conn, env Envelope) {
	roomID, err := uuid.Parse(env.RoomID)
	if err != nil {
		h.replyError(c, "bad_request", "invalid room id")
		return
	}

	h.mu.Lock()
	wasIn := c.rooms[roomID]
	h.unsubscribeLocked(c, roomID)
	c.enqueue(marshalEnvelope(mustEnvelope(EventLeftRoom, roomID.String(), "", nil)))
	h.mu.Unlock()

	if wasIn && !h.userSubscribed(c.user.ID, roomID) {
		h.emitRoomEvent(ctx, EventUserLeft, roomID, c.user, MemberPayload{UserID: c.user.ID.String(), Username: c.user.DisplayName()})
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Conn, env Envelope) {
	roomID, err := uuid.Parse(env.RoomID)
	if err != nil {
		h.replyError(c, "bad_request", "invalid room id")
		return
	}
	h.mu.RLock()
	joined := c.rooms[roomID]
	h.mu.RUnlock()
	if !joined {
		h.replyError(c, "forbidden", "join the room before typing")
		return
	}

	var in TypingPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &in); err != nil {
			h.replyError(c, "bad_request", "malformed typing payload")
			return
		}
	}
	h.emitRoomEvent(ctx, EventUserTyping, roomID, c.user, TypingPayload{
		UserID:   c.user.ID.String(),
		Username: c.user.DisplayName(),
		IsTyping: in.IsTyping,
	})
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Conn, env Envelope) {
	var in SendMessagePayload
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		h.replyError(c, "bad_request", "malformed message payload")
		return
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Type == "" {
		in.Type = model.MessageTypeText
	}
	if !in.Type.Valid() {
		h.replyError(c, "bad_request", "invalid message type")
		return
	}
	if in.Type == model.MessageTypeText && in.Content == "" {
		h.replyError(c, "bad_request", "message content is required")
		return
	}
	if in.Type != model.MessageTypeText && in.FileURL == "" {
		h.replyError(c, "bad_request", "fileUrl is required for attachments")
		return
	}
	if len(in.Content) > maxContentLength {
		h.replyError(c, "bad_request", "message is too long")
		return
	}

	room, ok := h.memberRoom(ctx, c, env.RoomID)
	if !ok {
		return
	}

	saved, err := h.messages.Append(ctx, model.Message{
		RoomID:     room.ID,
		SenderID:   c.user.ID,
		SenderName: c.user.DisplayName(),
		Content:    in.Content,
		Type:       in.Type,
		FileURL:    in.FileURL,
	})
	if err != nil {
		log.Printf("Error saving message: %v", err)
		h.replyError(c, "internal", "failed to save message")
		return
	}

	out := mustEnvelope(EventMessage, room.ID.String(), c.user.ID.String(), NewMessagePayload(saved))
	h.deliverMessage(room, out, saved)
	h.publish(ctx, out)
}

func (h *Hub) handleRemote(ctx context.Context, env Envelope) {
	switch env.Type {
	case EventMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("Error unmarshaling remote message: %v", err)
			return
		}
		msgID, err := uuid.Parse(p.ID)
		if err != nil {
			return
		}
		roomID, err := uuid.Parse(env.RoomID)
		if err != nil {
			return
		}
		room, err := h.rooms.Get(ctx, roomID)
		if err != nil {
			log.Printf("Error loading room %s: %v", roomID, err)
			return
		}
		senderID, err := uuid.Parse(p.SenderID)
		if err != nil {
			if senderID, err = uuid.Parse(env.Sender); err != nil {
				log.Printf("Dropping remote message %s without sender", msgID)
				return
			}
		}
		h.deliverMessage(room, env, model.Message{
			ID:         msgID,
			RoomID:     roomID,
			SenderID:   senderID,
			SenderName: p.SenderName,
			Content:    p.Content,
			Type:       p.Type,
			FileURL:    p.FileURL,
			CreatedAt:  p.Timestamp,
		})
	case EventUserTyping, EventUserJoined, EventUserLeft:
		roomID, err := uuid.Parse(env.RoomID)
		if err != nil {
			return
		}
		sender, _ := uuid.Parse(env.Sender)
		h.deliverToRoom(roomID, env, sender)
	case EventPresence:
		h.deliverToAll(env)
	case EventRoomUpdated:
		var p RoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("Error unmarshaling remote room: %v", err)
			return
		}
		ids, err := parseIDs(p.Participants)
		if err != nil {
			return
		}
		h.deliverToUsers(ids, env)
	default:
		log.Printf("Unknown Redis message type: %s", env.Type)
	}
}

// emitRoomEvent sends a room-scoped event to every other subscriber of the room, here and remotely
func (h *Hub) emitRoomEvent(ctx context.Context, t EventType, roomID uuid.UUID, from model.User, payload interface{}) {
	env := mustEnvelope(t, roomID.String(), from.ID.String(), payload)
	h.deliverToRoom(roomID, env, from.ID)
	h.publish(ctx, env)
}

func (h *Hub) broadcastPresence(ctx context.Context) {
	online, err := h.broker.Online(ctx)
	if err != nil {
		log.Printf("Error loading online users: %v", err)
		return
	}
	env := mustEnvelope(EventPresence, "", "", PresencePayload{OnlineUsers: online})
	h.deliverToAll(env)
	h.publish(ctx, env)
}

// deliverMessage sends the message to participants viewing the room and a notification to the rest
func (h *Hub) deliverMessage(room model.Room, env Envelope, msg model.Message) {
	frame := marshalEnvelope(env)
	notice := marshalEnvelope(mustEnvelope(EventNotification, room.ID.String(), env.Sender, NotificationPayload{
		ID:        msg.ID.String(),
		Type:      "message",
		Title:     msg.SenderName,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt,
	}))

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range room.Participants {
		for c := range h.clients[p] {
			switch {
			case c.rooms[room.ID]:
				c.enqueue(frame)
			case p != msg.SenderID:
				c.enqueue(notice)
			}
		}
	}
}

func (h *Hub) deliverToRoom(roomID uuid.UUID, env Envelope, exclude uuid.UUID) {
	frame := marshalEnvelope(env)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.roomSubs[roomID] {
		if c.user.ID != exclude {
			c.enqueue(frame)
		}
	}
}

func (h *Hub) deliverToUsers(userIDs []uuid.UUID, env Envelope) {
	frame := marshalEnvelope(env)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range userIDs {
		for c := range h.clients[id] {
			c.enqueue(frame)
		}
	}
}

func (h *Hub) deliverToAll(env Envelope) {
	frame := marshalEnvelope(env)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for c := range conns {
			c.enqueue(frame)
		}
	}
}

func (h *Hub) replyError(c *Conn, code, message string) {
	frame := marshalEnvelope(mustEnvelope(EventError, "", "", ErrorPayload{Code: code, Message: message}))
	h.mu.RLock()
	c.enqueue(frame)
	h.mu.RUnlock()
}

func (h *Hub) publish(ctx context.Context, env Envelope) {
	if err := h.broker.Publish(ctx, env); err != nil {
		log.Printf("Error publishing %s event: %v", env.Type, err)
	}
}

func (h *Hub) userSubscribed(userID, roomID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.roomSubs[roomID] {
		if c.user.ID == userID {
			return true
		}
	}
	return false
}

// unsubscribeLocked removes c from a room; caller holds h.mu
func (h *Hub) unsubscribeLocked(c *Conn, roomID uuid.UUID) {
	delete(c.rooms, roomID)
	if subs, ok := h.roomSubs[roomID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.roomSubs, roomID)
		}
	}
}

func marshalEnvelope(env Envelope) []byte {
	data, _ := json.Marshal(env)
	return data
}
