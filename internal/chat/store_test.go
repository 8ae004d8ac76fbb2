package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoom(name string) Room {
	return Room{ID: uuid.New(), Name: name, Type: model.RoomTypeGroup}
}

func newMessage(content string) Message {
	return Message{ID: uuid.New(), Content: content, SenderID: uuid.New(), SenderName: "Asha", Timestamp: time.Now(), Type: model.MessageTypeText}
}

func unread(t *testing.T, s *Store, id uuid.UUID) int {
	t.Helper()
	r, ok := s.Room(id)
	require.True(t, ok)
	return r.UnreadCount
}

func TestStore_UnreadScenario(t *testing.T) {
	s := NewStore(0)
	r1 := newRoom("r1")
	s.SetRooms([]Room{r1})
	_, active := s.ActiveRoom()
	require.False(t, active)

	s.AddMessage(r1.ID, newMessage("m1"))
	assert.Equal(t, 1, unread(t, s, r1.ID))

	s.SetActiveRoom(r1.ID)
	s.AddMessage(r1.ID, newMessage("m2"))
	assert.Equal(t, 1, unread(t, s, r1.ID))

	s.ResetUnread(r1.ID)
	assert.Equal(t, 0, unread(t, s, r1.ID))
}

func TestStore_UnreadCountsNonActiveAdds(t *testing.T) {
	s := NewStore(0)
	r1, r2 := newRoom("r1"), newRoom("r2")
	s.SetRooms([]Room{r1, r2})
	s.SetActiveRoom(r2.ID)

	for n := 1; n <= 5; n++ {
		s.AddMessage(r1.ID, newMessage("x"))
		assert.Equal(t, n, unread(t, s, r1.ID))
	}
	s.ResetUnread(r1.ID)
	s.AddMessage(r1.ID, newMessage("y"))
	s.AddMessage(r1.ID, newMessage("z"))
	assert.Equal(t, 2, unread(t, s, r1.ID))
	assert.Equal(t, 0, unread(t, s, r2.ID))
}

func TestStore_AddMessageToActiveRoomKeepsUnread(t *testing.T) {
	s := NewStore(0)
	r := newRoom("r")
	r.UnreadCount = 3
	s.SetRooms([]Room{r})
	s.SetActiveRoom(r.ID)

	for i := 0; i < 4; i++ {
		s.AddMessage(r.ID, newMessage("x"))
	}
	assert.Equal(t, 3, unread(t, s, r.ID))

	s.IncrementUnread(r.ID)
	assert.Equal(t, 3, unread(t, s, r.ID))

	s.ClearActiveRoom()
	s.IncrementUnread(r.ID)
	assert.Equal(t, 4, unread(t, s, r.ID))
}

func TestStore_AddMessageKeepsArrivalOrderAndLastMessage(t *testing.T) {
	s := NewStore(0)
	r := newRoom("r")
	s.SetRooms([]Room{r})

	late := newMessage("sent first, arrived second")
	early := newMessage("sent second, arrived first")
	late.Timestamp = time.Now().Add(-time.Minute)
	s.AddMessage(r.ID, early)
	s.AddMessage(r.ID, late)

	msgs := s.Messages(r.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, early.ID, msgs[0].ID)
	assert.Equal(t, late.ID, msgs[1].ID)

	room, _ := s.Room(r.ID)
	require.NotNil(t, room.LastMessage)
	assert.Equal(t, late.ID, room.LastMessage.ID)
}

func TestStore_SetMessagesRoundTrip(t *testing.T) {
	s := NewStore(0)
	r := newRoom("r")
	s.SetRooms([]Room{r})
	s.AddMessage(r.ID, newMessage("old"))

	history := []Message{newMessage("a"), newMessage("b"), newMessage("c")}
	for i := range history {
		history[i].RoomID = r.ID
	}
	s.SetMessages(r.ID, history)

	assert.Equal(t, history, s.Messages(r.ID))
	assert.Equal(t, 1, unread(t, s, r.ID), "bulk replace leaves counters alone")

	history[0].Content = "mutated by caller"
	assert.Equal(t, "a", s.Messages(r.ID)[0].Content)
}

func TestStore_UnknownRoom(t *testing.T) {
	s := NewStore(0)
	ghost := uuid.New()

	s.AddMessage(ghost, newMessage("hello"))
	s.IncrementUnread(ghost)
	s.ResetUnread(ghost)
	s.AddParticipant(ghost, uuid.New())

	assert.Len(t, s.Messages(ghost), 1, "sequence is created lazily")
	_, ok := s.Room(ghost)
	assert.False(t, ok)
	assert.Empty(t, s.Rooms())
}

func TestStore_SetRoomsIsAuthoritative(t *testing.T) {
	s := NewStore(0)
	r := newRoom("r")
	s.SetRooms([]Room{r})
	s.AddMessage(r.ID, newMessage("x"))
	s.AddMessage(r.ID, newMessage("y"))
	require.Equal(t, 2, unread(t, s, r.ID))

	resync := r
	resync.UnreadCount = 0
	s.SetRooms([]Room{resync, newRoom("other")})
	assert.Equal(t, 0, unread(t, s, r.ID))
	assert.Len(t, s.Rooms(), 2)
}

func TestStore_UpsertAndRemoveRoom(t *testing.T) {
	s := NewStore(0)
	r := newRoom("before")
	s.SetRooms([]Room{r})
	s.AddMessage(r.ID, newMessage("x"))
	s.SetActiveRoom(r.ID)

	renamed := r
	renamed.Name = "after"
	s.UpsertRoom(renamed)
	got, _ := s.Room(r.ID)
	assert.Equal(t, "after", got.Name)
	assert.Equal(t, 1, got.UnreadCount)
	assert.NotNil(t, got.LastMessage)

	added := newRoom("new")
	s.UpsertRoom(added)
	assert.Len(t, s.Rooms(), 2)

	s.RemoveRoom(r.ID)
	_, ok := s.Room(r.ID)
	assert.False(t, ok)
	assert.Empty(t, s.Messages(r.ID))
	_, active := s.ActiveRoom()
	assert.False(t, active)
}

func TestStore_Participants(t *testing.T) {
	s := NewStore(0)
	r := newRoom("r")
	s.SetRooms([]Room{r})
	u := uuid.New()

	s.AddParticipant(r.ID, u)
	s.AddParticipant(r.ID, u)
	got, _ := s.Room(r.ID)
	assert.Equal(t, []uuid.UUID{u}, got.Participants)

	s.SetTyping(r.ID, u, true)
	s.RemoveParticipant(r.ID, u)
	got, _ = s.Room(r.ID)
	assert.Empty(t, got.Participants)
	assert.Empty(t, s.Typing(r.ID))
}

func TestStore_TypingIsIdempotentAndExpires(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(3 * time.Second)
	s.SetClock(func() time.Time { return now })
	room, a, b := uuid.New(), uuid.New(), uuid.New()

	s.SetTyping(room, a, true)
	s.SetTyping(room, a, true)
	s.SetTyping(room, b, true)
	assert.Len(t, s.Typing(room), 2)

	s.SetTyping(room, b, false)
	s.SetTyping(room, b, false)
	assert.Equal(t, []uuid.UUID{a}, s.Typing(room))

	now = now.Add(2 * time.Second)
	s.SetTyping(room, a, true) // refresh
	now = now.Add(2 * time.Second)
	assert.Equal(t, []uuid.UUID{a}, s.Typing(room))

	now = now.Add(time.Second)
	assert.Empty(t, s.Typing(room))
	assert.Empty(t, s.Snapshot().Typing)
}

func TestStore_OnlineUsers(t *testing.T) {
	s := NewStore(0)
	a, b := uuid.New(), uuid.New()

	s.SetOnlineUsers([]uuid.UUID{a, b, a})
	assert.Equal(t, []uuid.UUID{a, b}, s.OnlineUsers())

	s.SetOnlineUsers([]uuid.UUID{b})
	assert.Equal(t, []uuid.UUID{b}, s.OnlineUsers())

	s.MarkOnline(a)
	s.MarkOnline(a)
	assert.Equal(t, []uuid.UUID{b, a}, s.OnlineUsers())
}

func TestStore_SnapshotIsImmutable(t *testing.T) {
	s := NewStore(0)
	r := newRoom("r")
	s.SetRooms([]Room{r})
	s.AddMessage(r.ID, newMessage("x"))

	snap := s.Snapshot()
	snap.Rooms[0].UnreadCount = 99
	snap.Messages[r.ID][0].Content = "changed"

	got, _ := s.Room(r.ID)
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, "x", s.Messages(r.ID)[0].Content)
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore(0)
	ch, cancel := s.Subscribe()
	r := newRoom("r")

	s.SetRooms([]Room{r})
	snap := <-ch
	_, ok := snap.Room(r.ID)
	assert.True(t, ok)

	// a slow subscriber only sees the newest state
	s.AddMessage(r.ID, newMessage("1"))
	s.AddMessage(r.ID, newMessage("2"))
	snap = <-ch
	assert.Len(t, snap.Messages[r.ID], 2)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	s.ResetUnread(r.ID) // no subscriber left, must not block
}

func TestStore_ConcurrentAdds(t *testing.T) {
	s := NewStore(0)
	r := newRoom("r")
	s.SetRooms([]Room{r})
	ch, cancel := s.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddMessage(r.ID, newMessage("x"))
		}()
	}
	wg.Wait()

	assert.Len(t, s.Messages(r.ID), 50)
	assert.Equal(t, 50, unread(t, s, r.ID))
	last := <-ch
	assert.Equal(t, s.Snapshot().Version, last.Version)
}

func TestStore_ReceiveMessageIsOneChange(t *testing.T) {
	s := NewStore(time.Minute)
	r := newRoom("r")
	s.SetRooms([]Room{r})
	msg := newMessage("done typing")
	s.SetTyping(r.ID, msg.SenderID, true)
	ch, cancel := s.Subscribe()
	defer cancel()

	before := s.Snapshot().Version
	s.ReceiveMessage(r.ID, msg)

	snap := <-ch
	assert.Equal(t, before+1, snap.Version)
	require.Len(t, snap.Messages[r.ID], 1)
	assert.Empty(t, snap.Typing[r.ID])
	got, _ := snap.Room(r.ID)
	assert.Equal(t, 1, got.UnreadCount)
}

func TestStore_EnterRoomIsOneChange(t *testing.T) {
	s := NewStore(0)
	r := newRoom("r")
	s.SetRooms([]Room{r})
	s.AddMessage(r.ID, newMessage("1"))
	s.AddMessage(r.ID, newMessage("2"))
	ch, cancel := s.Subscribe()
	defer cancel()

	before := s.Snapshot().Version
	r.Name = "renamed"
	s.EnterRoom(r)

	snap := <-ch
	assert.Equal(t, before+1, snap.Version)
	require.NotNil(t, snap.ActiveRoom)
	assert.Equal(t, r.ID, *snap.ActiveRoom)
	got, _ := snap.Room(r.ID)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 0, got.UnreadCount)

	// unknown rooms are added and entered
	other := newRoom("other")
	s.EnterRoom(other)
	active, ok := s.ActiveRoom()
	require.True(t, ok)
	assert.Equal(t, other.ID, active)
	_, ok = s.Room(other.ID)
	assert.True(t, ok)
}

func TestStore_PublishedHistoryIsStable(t *testing.T) {
	s := NewStore(0)
	r := newRoom("r")
	s.SetRooms([]Room{r})
	ch, cancel := s.Subscribe()
	defer cancel()

	s.AddMessage(r.ID, newMessage("1"))
	first := <-ch
	for i := 0; i < 10; i++ {
		s.AddMessage(r.ID, newMessage("more"))
	}
	require.Len(t, first.Messages[r.ID], 1)
	assert.Equal(t, "1", first.Messages[r.ID][0].Content)

	// appending to a published history never writes into the store
	extended := append(first.Messages[r.ID], newMessage("local"))
	assert.Len(t, extended, 2)
	assert.Len(t, s.Messages(r.ID), 11)
	assert.Equal(t, "more", s.Messages(r.ID)[1].Content)
}

func TestStore_LongHistoryStaysLinear(t *testing.T) {
	const n = 20000
	for _, subscribed := range []bool{false, true} {
		s := NewStore(0)
		r := newRoom("r")
		s.SetRooms([]Room{r})
		cancel := func() {}
		if subscribed {
			var ch <-chan Snapshot
			ch, cancel = s.Subscribe()
			go func() {
				for range ch {
				}
			}()
		}

		start := time.Now()
		for i := 0; i < n; i++ {
			s.AddMessage(r.ID, newMessage("x"))
		}
		elapsed := time.Since(start)
		cancel()

		assert.True(t, elapsed < 5*time.Second, "subscribed=%v took %s", subscribed, elapsed)
		assert.Len(t, s.Messages(r.ID), n)
	}
}
