package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/repo"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubFixture struct {
	hub      *Hub
	srv      *httptest.Server
	users    repo.UserRepo
	rooms    repo.RoomRepo
	messages repo.MessageRepo
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	return newHubFixtureWithBroker(t, nil)
}

func newHubFixtureWithBroker(t *testing.T, broker Broker) *hubFixture {
	t.Helper()
	db := repo.NewMemoryDB()
	f := &hubFixture{
		users:    repo.NewMemoryUserRepo(db),
		rooms:    repo.NewMemoryRoomRepo(db),
		messages: repo.NewMemoryMessageRepo(db),
	}
	f.hub = NewHub(f.rooms, f.messages, broker, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.URL.Query().Get("user"))
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		user, err := f.users.GetByID(r.Context(), id)
		if err != nil {
			http.Error(w, "unknown user", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.hub.Attach(ws, user)
	}))

	t.Cleanup(func() {
		cancel()
		f.srv.Close()
	})
	return f
}

func (f *hubFixture) user(t *testing.T, phone string) model.User {
	t.Helper()
	u, err := f.users.GetOrCreate(context.Background(), phone, model.UserTypeStudent)
	require.NoError(t, err)
	return u
}

func (f *hubFixture) room(t *testing.T, members ...model.User) model.Room {
	t.Helper()
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	room, err := f.rooms.Create(context.Background(), model.Room{Name: "Physics", Type: model.RoomTypeClass, Participants: ids, CreatedBy: ids[0]})
	require.NoError(t, err)
	return room
}

func (f *hubFixture) dial(t *testing.T, u model.User) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?user=" + u.ID.String()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ EventType, roomID uuid.UUID, payload interface{}) {
	t.Helper()
	env, err := NewEnvelope(typ, roomID.String(), "", payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

// readUntil returns the first envelope of type typ, skipping everything else
func readUntil(t *testing.T, ws *websocket.Conn, typ EventType) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
	for {
		var env Envelope
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == typ {
			return env
		}
	}
}

func join(t *testing.T, ws *websocket.Conn, roomID uuid.UUID) {
	t.Helper()
	send(t, ws, EventJoinRoom, roomID, nil)
	env := readUntil(t, ws, EventJoinedRoom)
	require.Equal(t, roomID.String(), env.RoomID)
}

func TestHub_MessageReachesJoinedParticipants(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := f.user(t, "+15550000001"), f.user(t, "+15550000002")
	room := f.room(t, alice, bob)

	wa, wb := f.dial(t, alice), f.dial(t, bob)
	join(t, wa, room.ID)
	join(t, wb, room.ID)

	send(t, wa, EventSendMessage, room.ID, SendMessagePayload{Content: "  hello class  "})

	for _, ws := range []*websocket.Conn{wa, wb} {
		env := readUntil(t, ws, EventMessage)
		assert.Equal(t, room.ID.String(), env.RoomID)
		assert.Equal(t, alice.ID.String(), env.Sender)
		var p MessagePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, "hello class", p.Content)
		assert.Equal(t, model.MessageTypeText, p.Type)
		assert.Equal(t, alice.DisplayName(), p.SenderName)
	}

	stored, err := f.messages.ListByRoom(context.Background(), room.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello class", stored[0].Content)
}

func TestHub_NotificationForParticipantNotViewing(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := f.user(t, "+15550000001"), f.user(t, "+15550000002")
	room := f.room(t, alice, bob)

	wa, wb := f.dial(t, alice), f.dial(t, bob)
	join(t, wa, room.ID)
	// bob is connected but has not joined the room
	readUntil(t, wb, EventPresence)

	send(t, wa, EventSendMessage, room.ID, SendMessagePayload{Content: "ping"})

	env := readUntil(t, wb, EventNotification)
	assert.Equal(t, room.ID.String(), env.RoomID)
	var p NotificationPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "ping", p.Content)
	assert.Equal(t, "message", p.Type)
}

// remoteBroker feeds test-controlled events to the hub as if another instance published them
type remoteBroker struct {
	*LocalBroker
	events chan Envelope
}

func (b *remoteBroker) Subscribe(context.Context) (<-chan Envelope, error) {
	return b.events, nil
}

func TestHub_RemoteMessageSkipsSenderNotification(t *testing.T) {
	broker := &remoteBroker{LocalBroker: NewLocalBroker(), events: make(chan Envelope)}
	f := newHubFixtureWithBroker(t, broker)
	alice, bob := f.user(t, "+15550000001"), f.user(t, "+15550000002")
	room := f.room(t, alice, bob)

	// both connected, neither viewing the room
	wa := f.dial(t, alice)
	readUntil(t, wa, EventPresence)
	wb := f.dial(t, bob)
	readUntil(t, wb, EventPresence)

	msgID := uuid.New()
	env, err := NewEnvelope(EventMessage, room.ID.String(), alice.ID.String(), MessagePayload{
		ID:         msgID.String(),
		RoomID:     room.ID.String(),
		Content:    "from the other node",
		SenderID:   alice.ID.String(),
		SenderName: "Alice",
		Timestamp:  time.Now().UTC(),
		Type:       model.MessageTypeText,
	})
	require.NoError(t, err)
	broker.events <- env

	marker, err := NewEnvelope(EventPresence, "", "", PresencePayload{OnlineUsers: []string{"marker"}})
	require.NoError(t, err)
	broker.events <- marker

	notice := readUntil(t, wb, EventNotification)
	var p NotificationPayload
	require.NoError(t, json.Unmarshal(notice.Payload, &p))
	assert.Equal(t, msgID.String(), p.ID)
	assert.Equal(t, "from the other node", p.Content)

	// everything alice receives before the marker must not be a notification
	require.NoError(t, wa.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var got Envelope
		require.NoError(t, wa.ReadJSON(&got))
		require.NotEqual(t, EventNotification, got.Type, "sender notified of own message")
		if got.Type != EventPresence {
			continue
		}
		var pp PresencePayload
		require.NoError(t, json.Unmarshal(got.Payload, &pp))
		if len(pp.OnlineUsers) == 1 && pp.OnlineUsers[0] == "marker" {
			break
		}
	}
}

func TestHub_RejectsNonParticipant(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, eve := f.user(t, "+15550000001"), f.user(t, "+15550000002"), f.user(t, "+15550000003")
	room := f.room(t, alice, bob)

	we := f.dial(t, eve)
	send(t, we, EventJoinRoom, room.ID, nil)
	env := readUntil(t, we, EventError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "forbidden", p.Code)

	send(t, we, EventSendMessage, room.ID, SendMessagePayload{Content: "let me in"})
	env = readUntil(t, we, EventError)
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "forbidden", p.Code)

	stored, err := f.messages.ListByRoom(context.Background(), room.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestHub_RejectsBadEvents(t *testing.T) {
	f := newHubFixture(t)
	alice := f.user(t, "+15550000001")
	room := f.room(t, alice)
	wa := f.dial(t, alice)
	join(t, wa, room.ID)

	cases := []struct {
		typ     EventType
		payload interface{}
		code    string
	}{
		{EventSendMessage, SendMessagePayload{Content: "   "}, "bad_request"},
		{EventSendMessage, SendMessagePayload{Content: "x", Type: "video"}, "bad_request"},
		{EventSendMessage, SendMessagePayload{Type: model.MessageTypeImage}, "bad_request"},
		{"shout", nil, "unknown_event"},
	}
	for _, tc := range cases {
		send(t, wa, tc.typ, room.ID, tc.payload)
		env := readUntil(t, wa, EventError)
		var p ErrorPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, tc.code, p.Code, "event %s", tc.typ)
	}
}

func TestHub_TypingGoesToOtherSubscribers(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := f.user(t, "+15550000001"), f.user(t, "+15550000002")
	room := f.room(t, alice, bob)

	wa, wb := f.dial(t, alice), f.dial(t, bob)
	join(t, wa, room.ID)
	join(t, wb, room.ID)

	send(t, wa, EventTyping, room.ID, TypingPayload{IsTyping: true})
	env := readUntil(t, wb, EventUserTyping)
	var p TypingPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, alice.ID.String(), p.UserID)
	assert.True(t, p.IsTyping)
}

func TestHub_JoinAndLeaveAreAnnounced(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := f.user(t, "+15550000001"), f.user(t, "+15550000002")
	room := f.room(t, alice, bob)

	wa, wb := f.dial(t, alice), f.dial(t, bob)
	join(t, wa, room.ID)
	join(t, wb, room.ID)

	env := readUntil(t, wa, EventUserJoined)
	var p MemberPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, bob.ID.String(), p.UserID)

	send(t, wb, EventLeaveRoom, room.ID, nil)
	readUntil(t, wb, EventLeftRoom)
	env = readUntil(t, wa, EventUserLeft)
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, bob.ID.String(), p.UserID)
}

func TestHub_Presence(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := f.user(t, "+15550000001"), f.user(t, "+15550000002")

	wa := f.dial(t, alice)
	onlineIs := func(want ...string) {
		t.Helper()
		for {
			env := readUntil(t, wa, EventPresence)
			var p PresencePayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			if len(want) == len(p.OnlineUsers) {
				assert.ElementsMatch(t, want, p.OnlineUsers)
				return
			}
		}
	}
	onlineIs(alice.ID.String())

	wb := f.dial(t, bob)
	onlineIs(alice.ID.String(), bob.ID.String())

	require.NoError(t, wb.Close())
	onlineIs(alice.ID.String())

	online, err := f.hub.Online(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID.String()}, online)
}

func TestHub_RoomCreatedReachesParticipants(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := f.user(t, "+15550000001"), f.user(t, "+15550000002")
	wb := f.dial(t, bob)
	readUntil(t, wb, EventPresence)

	room := f.room(t, alice, bob)
	f.hub.RoomCreated(context.Background(), room)

	env := readUntil(t, wb, EventRoomUpdated)
	var p RoomPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, room.ID.String(), p.ID)
	assert.ElementsMatch(t, []string{alice.ID.String(), bob.ID.String()}, p.Participants)
}
