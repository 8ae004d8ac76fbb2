package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
)

// MemoryDB holds every in-memory table behind one lock. It backs STORAGE=memory and unit tests.
type MemoryDB struct {
	mu       sync.RWMutex
	now      func() time.Time
	otps     map[uuid.UUID]*model.OtpRecord
	users    map[uuid.UUID]*model.User
	refresh  map[uuid.UUID]*model.RefreshSession
	rooms    map[uuid.UUID]*model.Room
	messages map[uuid.UUID][]model.Message
}

// NewMemoryDB creates an empty in-memory database
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		now:      time.Now,
		otps:     make(map[uuid.UUID]*model.OtpRecord),
		users:    make(map[uuid.UUID]*model.User),
		refresh:  make(map[uuid.UUID]*model.RefreshSession),
		rooms:    make(map[uuid.UUID]*model.Room),
		messages: make(map[uuid.UUID][]model.Message),
	}
}

// SetClock overrides the time source used for created/consumed timestamps
func (db *MemoryDB) SetClock(now func() time.Time) {
	db.mu.Lock()
	db.now = now
	db.mu.Unlock()
}

// OTP records

type memOtpRepo struct{ db *MemoryDB }

// NewMemoryOtpRepo creates an OtpRepo backed by db
func NewMemoryOtpRepo(db *MemoryDB) OtpRepo { return &memOtpRepo{db: db} }

func (r *memOtpRepo) Replace(_ context.Context, rec model.OtpRecord) (model.OtpRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	now := r.db.now()
	for _, existing := range r.db.otps {
		if existing.PhoneNumber == rec.PhoneNumber && existing.UserType == rec.UserType && existing.SupersededAt == nil {
			t := now
			existing.SupersededAt = &t
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.ConsumedAt = nil
	rec.SupersededAt = nil
	stored := rec
	stored.CodeHash = append([]byte(nil), rec.CodeHash...)
	r.db.otps[rec.ID] = &stored
	return rec, nil
}

func (r *memOtpRepo) Latest(_ context.Context, phone string, userType model.UserType) (model.OtpRecord, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var latest *model.OtpRecord
	for _, rec := range r.db.otps {
		if rec.PhoneNumber != phone || rec.UserType != userType || rec.SupersededAt != nil {
			continue
		}
		if latest == nil || rec.IssuedAt.After(latest.IssuedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return model.OtpRecord{}, ErrNotFound
	}
	return *latest, nil
}

func (r *memOtpRepo) MarkConsumed(_ context.Context, id uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	rec, ok := r.db.otps[id]
	if !ok || rec.ConsumedAt != nil || rec.SupersededAt != nil {
		return ErrNotFound
	}
	t := r.db.now()
	rec.ConsumedAt = &t
	return nil
}

func (r *memOtpRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.otps, id)
	return nil
}

// Users

type memUserRepo struct{ db *MemoryDB }

// NewMemoryUserRepo creates a UserRepo backed by db
func NewMemoryUserRepo(db *MemoryDB) UserRepo { return &memUserRepo{db: db} }

func (r *memUserRepo) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	if u, ok := r.db.users[id]; ok {
		return *u, nil
	}
	return model.User{}, ErrNotFound
}

func (r *memUserRepo) GetOrCreate(_ context.Context, phone string, userType model.UserType) (model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if u, ok := r.db.findUser(phone, userType); ok {
		return *u, nil
	}
	u := &model.User{
		ID:          uuid.New(),
		PhoneNumber: phone,
		UserType:    userType,
		CreatedAt:   r.db.now(),
	}
	r.db.users[u.ID] = u
	return *u, nil
}

func (r *memUserRepo) Get(_ context.Context, phone string, userType model.UserType) (model.User, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	if u, ok := r.db.findUser(phone, userType); ok {
		return *u, nil
	}
	return model.User{}, ErrNotFound
}

func (db *MemoryDB) findUser(phone string, userType model.UserType) (*model.User, bool) {
	for _, u := range db.users {
		if u.PhoneNumber == phone && u.UserType == userType {
			return u, true
		}
	}
	return nil, false
}

// Refresh sessions

type memRefreshRepo struct{ db *MemoryDB }

// NewMemoryRefreshRepo creates a RefreshRepo backed by db
func NewMemoryRefreshRepo(db *MemoryDB) RefreshRepo { return &memRefreshRepo{db: db} }

func (r *memRefreshRepo) Create(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s := &model.RefreshSession{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: tokenHash,
		CreatedAt: r.db.now(),
		ExpiresAt: expiresAt,
	}
	r.db.refresh[s.ID] = s
	return s.ID, nil
}

func (r *memRefreshRepo) FindByTokenHash(_ context.Context, tokenHash string) (model.RefreshSession, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, s := range r.db.refresh {
		if s.TokenHash == tokenHash {
			return *s, nil
		}
	}
	return model.RefreshSession{}, ErrNotFound
}

func (r *memRefreshRepo) RevokeAndSetReplacedBy(_ context.Context, sessionID, replacedBy uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.refresh[sessionID]
	if !ok || s.RevokedAt != nil {
		return ErrNotFound
	}
	t := r.db.now()
	s.RevokedAt = &t
	s.ReplacedBy = &replacedBy
	return nil
}

func (r *memRefreshRepo) Revoke(_ context.Context, sessionID uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.refresh[sessionID]
	if !ok || s.RevokedAt != nil {
		return ErrNotFound
	}
	t := r.db.now()
	s.RevokedAt = &t
	return nil
}

func (r *memRefreshRepo) RevokeAllForUser(_ context.Context, userID uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t := r.db.now()
	for _, s := range r.db.refresh {
		if s.UserID == userID && s.RevokedAt == nil {
			revoked := t
			s.RevokedAt = &revoked
		}
	}
	return nil
}

// Rooms

type memRoomRepo struct{ db *MemoryDB }

// NewMemoryRoomRepo creates a RoomRepo backed by db
func NewMemoryRoomRepo(db *MemoryDB) RoomRepo { return &memRoomRepo{db: db} }

func (r *memRoomRepo) Create(_ context.Context, room model.Room) (model.Room, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if room.ID == uuid.Nil {
		room.ID = uuid.New()
	}
	seen := make(map[uuid.UUID]bool, len(room.Participants))
	participants := make([]uuid.UUID, 0, len(room.Participants))
	for _, p := range room.Participants {
		if _, ok := r.db.users[p]; !ok {
			return model.Room{}, fmt.Errorf("participant %s: %w", p, ErrInvalidReference)
		}
		if !seen[p] {
			seen[p] = true
			participants = append(participants, p)
		}
	}
	room.Participants = participants
	room.CreatedAt = r.db.now()
	stored := room
	stored.Participants = append([]uuid.UUID(nil), participants...)
	r.db.rooms[room.ID] = &stored
	return room, nil
}

func (r *memRoomRepo) Get(_ context.Context, id uuid.UUID) (model.Room, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	room, ok := r.db.rooms[id]
	if !ok {
		return model.Room{}, ErrNotFound
	}
	return copyRoom(room), nil
}

func (r *memRoomRepo) ListForUser(_ context.Context, userID uuid.UUID) ([]model.Room, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	rooms := make([]model.Room, 0)
	for _, room := range r.db.rooms {
		if room.HasParticipant(userID) {
			rooms = append(rooms, copyRoom(room))
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	return rooms, nil
}

func copyRoom(room *model.Room) model.Room {
	c := *room
	c.Participants = append([]uuid.UUID(nil), room.Participants...)
	return c
}

// Messages

type memMessageRepo struct{ db *MemoryDB }

// NewMemoryMessageRepo creates a MessageRepo backed by db
func NewMemoryMessageRepo(db *MemoryDB) MessageRepo { return &memMessageRepo{db: db} }

func (r *memMessageRepo) Append(_ context.Context, msg model.Message) (model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.rooms[msg.RoomID]; !ok {
		return model.Message{}, fmt.Errorf("room %s: %w", msg.RoomID, ErrInvalidReference)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = r.db.now()
	r.db.messages[msg.RoomID] = append(r.db.messages[msg.RoomID], msg)
	return msg, nil
}

func (r *memMessageRepo) ListByRoom(_ context.Context, roomID uuid.UUID, limit int) ([]model.Message, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	all := r.db.messages[roomID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append(make([]model.Message, 0, len(all)), all...), nil
}
