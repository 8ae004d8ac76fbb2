package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTypingTTL is how long a typing indicator lives without a refresh
const DefaultTypingTTL = 3 * time.Second

// Store is the single owner of chat state. Every operation runs under one lock, so no partial
// update is ever observable; subscribers get a fresh Snapshot after each change.
type Store struct {
	mu         sync.Mutex
	rooms      []*Room
	activeRoom *uuid.UUID
	messages   map[uuid.UUID][]Message
	typing     map[uuid.UUID]map[uuid.UUID]time.Time
	online     []uuid.UUID
	version    uint64

	typingTTL time.Duration
	now       func() time.Time

	subMu     sync.Mutex
	subs      map[int]chan Snapshot
	nextSub   int
	published uint64
}

// NewStore creates an empty store. ttl <= 0 uses DefaultTypingTTL.
func NewStore(typingTTL time.Duration) *Store {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &Store{
		messages:  make(map[uuid.UUID][]Message),
		typing:    make(map[uuid.UUID]map[uuid.UUID]time.Time),
		typingTTL: typingTTL,
		now:       time.Now,
		subs:      make(map[int]chan Snapshot),
	}
}

// SetClock overrides the time source used for typing expiry
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetRooms replaces the room list. The incoming list is authoritative, unread counters included.
func (s *Store) SetRooms(rooms []Room) {
	s.update(func() {
		s.rooms = make([]*Room, 0, len(rooms))
		for _, r := range rooms {
			c := r.clone()
			if c.UnreadCount < 0 {
				c.UnreadCount = 0
			}
			s.rooms = append(s.rooms, &c)
		}
	})
}

// UpsertRoom replaces a room's metadata or appends it. Local unread and last message survive a replace.
func (s *Store) UpsertRoom(room Room) {
	s.update(func() {
		s.upsertRoom(room)
	})
}

// EnterRoom upserts room, makes it the active room and zeroes its unread counter as one change
func (s *Store) EnterRoom(room Room) {
	s.update(func() {
		r := s.upsertRoom(room)
		id := room.ID
		s.activeRoom = &id
		r.UnreadCount = 0
	})
}

// RemoveRoom drops a room together with its messages and typing entries
func (s *Store) RemoveRoom(roomID uuid.UUID) {
	s.update(func() {
		for i, r := range s.rooms {
			if r.ID == roomID {
				s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
				break
			}
		}
		delete(s.messages, roomID)
		delete(s.typing, roomID)
		if s.activeRoom != nil && *s.activeRoom == roomID {
			s.activeRoom = nil
		}
	})
}

// SetActiveRoom marks the room the viewer is looking at. It does not reset the unread counter.
func (s *Store) SetActiveRoom(roomID uuid.UUID) {
	s.update(func() {
		id := roomID
		s.activeRoom = &id
	})
}

// ClearActiveRoom marks that no room is being viewed
func (s *Store) ClearActiveRoom() {
	s.update(func() {
		s.activeRoom = nil
	})
}

// AddMessage appends msg in arrival order and counts it as unread unless the room is active
func (s *Store) AddMessage(roomID uuid.UUID, msg Message) {
	s.update(func() {
		s.addMessage(roomID, msg)
	})
}

// ReceiveMessage adds a delivered message and ends its sender's typing indicator as one change
func (s *Store) ReceiveMessage(roomID uuid.UUID, msg Message) {
	s.update(func() {
		s.addMessage(roomID, msg)
		s.setTyping(roomID, msg.SenderID, false)
	})
}

// SetMessages replaces a room's history. Unread counters are not touched.
func (s *Store) SetMessages(roomID uuid.UUID, msgs []Message) {
	s.update(func() {
		s.messages[roomID] = append(make([]Message, 0, len(msgs)), msgs...)
	})
}

// SetTyping adds or refreshes (isTyping) or removes a typing indicator
func (s *Store) SetTyping(roomID, userID uuid.UUID, isTyping bool) {
	s.update(func() {
		s.setTyping(roomID, userID, isTyping)
	})
}

// SetOnlineUsers replaces the presence set
func (s *Store) SetOnlineUsers(userIDs []uuid.UUID) {
	s.update(func() {
		s.online = dedup(userIDs)
	})
}

// MarkOnline adds a single user to the presence set
func (s *Store) MarkOnline(userID uuid.UUID) {
	s.update(func() {
		for _, id := range s.online {
			if id == userID {
				return
			}
		}
		s.online = append(s.online, userID)
	})
}

// IncrementUnread bumps a room's counter; a no-op for the active room or an unknown room
func (s *Store) IncrementUnread(roomID uuid.UUID) {
	s.update(func() {
		if room := s.room(roomID); room != nil && !s.isActive(roomID) {
			room.UnreadCount++
		}
	})
}

// ResetUnread zeroes a room's counter
func (s *Store) ResetUnread(roomID uuid.UUID) {
	s.update(func() {
		if room := s.room(roomID); room != nil {
			room.UnreadCount = 0
		}
	})
}

// AddParticipant adds userID to the room's participant set
func (s *Store) AddParticipant(roomID, userID uuid.UUID) {
	s.update(func() {
		room := s.room(roomID)
		if room == nil {
			return
		}
		for _, p := range room.Participants {
			if p == userID {
				return
			}
		}
		room.Participants = append(room.Participants, userID)
	})
}

// RemoveParticipant removes userID from the room and drops their typing indicator there
func (s *Store) RemoveParticipant(roomID, userID uuid.UUID) {
	s.update(func() {
		if users := s.typing[roomID]; users != nil {
			delete(users, userID)
		}
		room := s.room(roomID)
		if room == nil {
			return
		}
		for i, p := range room.Participants {
			if p == userID {
				room.Participants = append(room.Participants[:i], room.Participants[i+1:]...)
				return
			}
		}
	})
}

// Rooms returns a copy of the room list
func (s *Store) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyRooms()
}

// Room returns one room
func (s *Store) Room(roomID uuid.UUID) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.room(roomID); r != nil {
		return r.clone(), true
	}
	return Room{}, false
}

// Messages returns a copy of a room's history in arrival order
func (s *Store) Messages(roomID uuid.UUID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[roomID]...)
}

// ActiveRoom returns the viewed room, if any
func (s *Store) ActiveRoom() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRoom == nil {
		return uuid.Nil, false
	}
	return *s.activeRoom, true
}

// OnlineUsers returns a copy of the presence set
func (s *Store) OnlineUsers() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.online...)
}

// Typing returns the users typing in a room. Expired entries are swept here.
func (s *Store) Typing(roomID uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepTyping(roomID)
	return typingUsers(s.typing[roomID])
}

// Snapshot returns a copy of the whole state
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(true)
}

// Subscribe returns a channel that receives the latest snapshot after every change.
// A slow reader only misses intermediate snapshots. cancel closes the channel.
// Published snapshots share message history with the store and must not be modified.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Store) update(fn func()) {
	s.mu.Lock()
	fn()
	s.version++
	if !s.hasSubscribers() {
		s.mu.Unlock()
		return
	}
	snap := s.snapshot(false)
	s.mu.Unlock()

	s.publish(snap)
}

func (s *Store) hasSubscribers() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs) > 0
}

func (s *Store) publish(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	// concurrent updates may reach here out of order
	if snap.Version <= s.published {
		return
	}
	s.published = snap.Version
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// snapshot copies the state under s.mu. Without deep, message histories are shared as
// capacity-capped slices: the store only ever appends to them, so earlier elements stay fixed.
func (s *Store) snapshot(deep bool) Snapshot {
	snap := Snapshot{
		Version:  s.version,
		Rooms:    s.copyRooms(),
		Messages: make(map[uuid.UUID][]Message, len(s.messages)),
		Typing:   make(map[uuid.UUID][]uuid.UUID, len(s.typing)),
		Online:   append([]uuid.UUID(nil), s.online...),
	}
	if s.activeRoom != nil {
		id := *s.activeRoom
		snap.ActiveRoom = &id
	}
	for id, msgs := range s.messages {
		if deep {
			snap.Messages[id] = append([]Message(nil), msgs...)
		} else {
			snap.Messages[id] = msgs[:len(msgs):len(msgs)]
		}
	}
	now := s.now()
	for id, users := range s.typing {
		live := make([]uuid.UUID, 0, len(users))
		for u, exp := range users {
			if now.Before(exp) {
				live = append(live, u)
			}
		}
		if len(live) > 0 {
			sortIDs(live)
			snap.Typing[id] = live
		}
	}
	return snap
}

func (s *Store) upsertRoom(room Room) *Room {
	c := room.clone()
	if existing := s.room(room.ID); existing != nil {
		existing.Name = c.Name
		existing.Type = c.Type
		existing.Participants = c.Participants
		if c.LastMessage != nil {
			existing.LastMessage = c.LastMessage
		}
		return existing
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	s.rooms = append(s.rooms, &c)
	return &c
}

func (s *Store) addMessage(roomID uuid.UUID, msg Message) {
	msg.RoomID = roomID
	s.messages[roomID] = append(s.messages[roomID], msg)

	room := s.room(roomID)
	if room == nil {
		return
	}
	last := msg
	room.LastMessage = &last
	if !s.isActive(roomID) {
		room.UnreadCount++
	}
}

func (s *Store) setTyping(roomID, userID uuid.UUID, isTyping bool) {
	users := s.typing[roomID]
	if !isTyping {
		if users != nil {
			delete(users, userID)
			if len(users) == 0 {
				delete(s.typing, roomID)
			}
		}
		return
	}
	if users == nil {
		users = make(map[uuid.UUID]time.Time)
		s.typing[roomID] = users
	}
	users[userID] = s.now().Add(s.typingTTL)
}

func (s *Store) copyRooms() []Room {
	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.clone())
	}
	return out
}

func (s *Store) room(id uuid.UUID) *Room {
	for _, r := range s.rooms {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *Store) isActive(roomID uuid.UUID) bool {
	return s.activeRoom != nil && *s.activeRoom == roomID
}

func (s *Store) sweepTyping(roomID uuid.UUID) {
	users := s.typing[roomID]
	if users == nil {
		return
	}
	now := s.now()
	for u, exp := range users {
		if !now.Before(exp) {
			delete(users, u)
		}
	}
	if len(users) == 0 {
		delete(s.typing, roomID)
	}
}

func typingUsers(users map[uuid.UUID]time.Time) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

func dedup(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
