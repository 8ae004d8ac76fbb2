package repo

import (
	"context"
	"testing"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOtpRepo_ReplaceSupersedesPrevious(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	otps := NewMemoryOtpRepo(db)
	now := time.Now()

	first, err := otps.Replace(ctx, model.OtpRecord{PhoneNumber: "9876543210", UserType: model.UserTypeStudent, CodeHash: []byte("a"), IssuedAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	second, err := otps.Replace(ctx, model.OtpRecord{PhoneNumber: "9876543210", UserType: model.UserTypeStudent, CodeHash: []byte("b"), IssuedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)

	latest, err := otps.Latest(ctx, "9876543210", model.UserTypeStudent)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	assert.ErrorIs(t, otps.MarkConsumed(ctx, first.ID), ErrNotFound, "superseded record must not be consumable")
	require.NoError(t, otps.MarkConsumed(ctx, second.ID))
	assert.ErrorIs(t, otps.MarkConsumed(ctx, second.ID), ErrNotFound, "second consume must lose")

	_, err = otps.Latest(ctx, "9876543210", model.UserTypeAdmin)
	assert.ErrorIs(t, err, ErrNotFound, "pairs are keyed by user type too")
}

func TestMemoryOtpRepo_DeleteLeavesNoLiveRecord(t *testing.T) {
	ctx := context.Background()
	otps := NewMemoryOtpRepo(NewMemoryDB())
	now := time.Now()

	_, err := otps.Replace(ctx, model.OtpRecord{PhoneNumber: "9876543210", UserType: model.UserTypeStudent, IssuedAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	rec, err := otps.Replace(ctx, model.OtpRecord{PhoneNumber: "9876543210", UserType: model.UserTypeStudent, IssuedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, otps.Delete(ctx, rec.ID))
	_, err = otps.Latest(ctx, "9876543210", model.UserTypeStudent)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUserRepo_GetOrCreateIsPerRole(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUserRepo(NewMemoryDB())

	a, err := users.GetOrCreate(ctx, "9876543210", model.UserTypeStudent)
	require.NoError(t, err)
	b, err := users.GetOrCreate(ctx, "9876543210", model.UserTypeStudent)
	require.NoError(t, err)
	c, err := users.GetOrCreate(ctx, "9876543210", model.UserTypeAdmin)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)

	got, err := users.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UserTypeAdmin, got.UserType)
}

func TestMemoryRoomAndMessageRepos(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	users := NewMemoryUserRepo(db)
	rooms := NewMemoryRoomRepo(db)
	messages := NewMemoryMessageRepo(db)

	alice, _ := users.GetOrCreate(ctx, "9000000001", model.UserTypeStudent)
	bob, _ := users.GetOrCreate(ctx, "9000000002", model.UserTypeStudent)

	_, err := rooms.Create(ctx, model.Room{Name: "x", Type: model.RoomTypeGroup, Participants: []uuid.UUID{uuid.New()}})
	assert.ErrorIs(t, err, ErrInvalidReference)

	room, err := rooms.Create(ctx, model.Room{Name: "Physics", Type: model.RoomTypeClass, CreatedBy: alice.ID, Participants: []uuid.UUID{alice.ID, bob.ID, alice.ID}})
	require.NoError(t, err)
	assert.Len(t, room.Participants, 2, "duplicate participants are collapsed")

	list, err := rooms.ListForUser(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, room.ID, list[0].ID)

	for _, text := range []string{"one", "two", "three"} {
		_, err := messages.Append(ctx, model.Message{RoomID: room.ID, SenderID: alice.ID, Content: text, Type: model.MessageTypeText})
		require.NoError(t, err)
	}
	got, err := messages.ListByRoom(ctx, room.ID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Content)
	assert.Equal(t, "three", got[1].Content)

	_, err = messages.Append(ctx, model.Message{RoomID: uuid.New(), Content: "lost"})
	assert.ErrorIs(t, err, ErrInvalidReference)
}
