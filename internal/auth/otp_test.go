package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/repo"
	"github.com/acadeveia/server/internal/sms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhone = "+15551234567"

var codeInBody = regexp.MustCompile(`OTP is: (\d{6})\.`)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type otpFixture struct {
	svc    *OtpService
	outbox *sms.Outbox
	clock  *fakeClock
	repo   repo.OtpRepo
}

func newOTPFixture(t *testing.T, devMode bool) *otpFixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	db := repo.NewMemoryDB()
	db.SetClock(clock.Now)
	otpRepo := repo.NewMemoryOtpRepo(db)
	outbox := &sms.Outbox{}
	svc := NewOtpService(otpRepo, outbox, OtpOptions{Salt: "test-salt", ProductName: "Acadeveia", DevMode: devMode})
	svc.SetClock(clock.Now)
	return &otpFixture{svc: svc, outbox: outbox, clock: clock, repo: otpRepo}
}

func (f *otpFixture) lastCode(t *testing.T) string {
	t.Helper()
	msg, ok := f.outbox.Last(testPhone)
	require.True(t, ok, "no SMS sent to %s", testPhone)
	m := codeInBody.FindStringSubmatch(msg.Body)
	require.Len(t, m, 2, "no code in %q", msg.Body)
	return m[1]
}

func TestHashOTPHex_consistency(t *testing.T) {
	phone, code, salt := "+49123", "123456", "test-salt"
	h1 := hashOTPHex(phone, model.UserTypeStudent, code, salt)
	h2 := hashOTPHex(phone, model.UserTypeStudent, code, salt)
	if h1 != h2 {
		t.Errorf("hash should be deterministic: %q != %q", h1, h2)
	}
	decoded, err := hex.DecodeString(h1)
	if err != nil {
		t.Fatalf("hash should be valid hex: %v", err)
	}
	if len(decoded) != 32 {
		t.Errorf("SHA-256 hash should be 32 bytes, got %d", len(decoded))
	}
}

func TestHashOTPHex_differentInputsDifferentHash(t *testing.T) {
	salt := "salt"
	h1 := hashOTPHex("+49123", model.UserTypeStudent, "123456", salt)
	h2 := hashOTPHex("+49124", model.UserTypeStudent, "123456", salt)
	h3 := hashOTPHex("+49123", model.UserTypeStudent, "654321", salt)
	h4 := hashOTPHex("+49123", model.UserTypeAdmin, "123456", salt)
	seen := map[string]bool{h1: true, h2: true, h3: true, h4: true}
	if len(seen) != 4 {
		t.Error("different inputs should produce different hashes")
	}
}

func TestCodesEqual(t *testing.T) {
	if !codesEqual([]byte("same"), []byte("same")) {
		t.Error("identical slices should compare equal")
	}
	if codesEqual([]byte("same"), []byte("diff")) {
		t.Error("different slices should not compare equal")
	}
	if codesEqual([]byte("a"), []byte("ab")) {
		t.Error("different length slices should not compare equal")
	}
	if codesEqual(nil, []byte("x")) {
		t.Error("nil and non-nil should not compare equal")
	}
}

func TestGenerateOTPCode_range(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := generateOTPCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		assert.GreaterOrEqual(t, code, "100000")
		assert.LessOrEqual(t, code, "999999")
	}
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "+1********67", MaskPhone(testPhone))
	assert.Equal(t, "****", MaskPhone("123"))
}

func TestValidateIdentity(t *testing.T) {
	assert.NoError(t, ValidateIdentity(testPhone, model.UserTypeStudent))
	assert.NoError(t, ValidateIdentity("5551234567", model.UserTypeAdmin))
	assert.ErrorIs(t, ValidateIdentity("12345", model.UserTypeStudent), ErrInvalidPhoneNumber)
	assert.ErrorIs(t, ValidateIdentity("+1555abc4567", model.UserTypeStudent), ErrInvalidPhoneNumber)
	assert.ErrorIs(t, ValidateIdentity("", model.UserTypeStudent), ErrInvalidPhoneNumber)
	assert.ErrorIs(t, ValidateIdentity(testPhone, "guest"), ErrInvalidUserType)
	assert.ErrorIs(t, ValidateIdentity("bad", "guest"), ErrInvalidPhoneNumber)
}

func TestOtpService_SendThenVerify(t *testing.T) {
	f := newOTPFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.svc.Send(ctx, testPhone, model.UserTypeStudent))
	code := f.lastCode(t)

	require.NoError(t, f.svc.Verify(ctx, testPhone, code, model.UserTypeStudent))
	assert.ErrorIs(t, f.svc.Verify(ctx, testPhone, code, model.UserTypeStudent), ErrAlreadyConsumed)
}

func TestOtpService_ResendInvalidatesEarlierCode(t *testing.T) {
	f := newOTPFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.svc.Send(ctx, testPhone, model.UserTypeStudent))
	first := f.lastCode(t)
	f.clock.Advance(time.Second)

	// retry until the fresh code differs so the mismatch below is meaningful
	var second string
	for i := 0; i < 10; i++ {
		require.NoError(t, f.svc.Send(ctx, testPhone, model.UserTypeStudent))
		second = f.lastCode(t)
		if second != first {
			break
		}
		f.clock.Advance(time.Second)
	}
	require.NotEqual(t, first, second)

	assert.ErrorIs(t, f.svc.Verify(ctx, testPhone, first, model.UserTypeStudent), ErrMismatch)
	assert.NoError(t, f.svc.Verify(ctx, testPhone, second, model.UserTypeStudent))
}

func TestOtpService_Expired(t *testing.T) {
	f := newOTPFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.svc.Send(ctx, testPhone, model.UserTypeStudent))
	code := f.lastCode(t)

	f.clock.Advance(5 * time.Minute)
	// the boundary instant is still valid
	f.clock.Advance(time.Second)
	err := f.svc.Verify(ctx, testPhone, code, model.UserTypeStudent)
	assert.ErrorIs(t, err, ErrExpired)
	assert.True(t, NeedsNewCode(err))
}

func TestOtpService_VerifyAtExpiryBoundary(t *testing.T) {
	f := newOTPFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.svc.Send(ctx, testPhone, model.UserTypeStudent))
	f.clock.Advance(5 * time.Minute)
	assert.NoError(t, f.svc.Verify(ctx, testPhone, DevOTPCode, model.UserTypeStudent))
}

func TestOtpService_VerifyWithoutSend(t *testing.T) {
	f := newOTPFixture(t, false)
	err := f.svc.Verify(context.Background(), testPhone, "123456", model.UserTypeStudent)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, NeedsNewCode(err))
}

func TestOtpService_MismatchIsRetryable(t *testing.T) {
	f := newOTPFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.svc.Send(ctx, testPhone, model.UserTypeStudent))
	err := f.svc.Verify(ctx, testPhone, "000000", model.UserTypeStudent)
	assert.ErrorIs(t, err, ErrMismatch)
	assert.False(t, NeedsNewCode(err))

	assert.NoError(t, f.svc.Verify(ctx, testPhone, DevOTPCode, model.UserTypeStudent))
}

func TestOtpService_CodeIsBoundToUserType(t *testing.T) {
	f := newOTPFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.svc.Send(ctx, testPhone, model.UserTypeStudent))
	assert.ErrorIs(t, f.svc.Verify(ctx, testPhone, DevOTPCode, model.UserTypeAdmin), ErrNotFound)
	assert.NoError(t, f.svc.Verify(ctx, testPhone, DevOTPCode, model.UserTypeStudent))
}

func TestOtpService_DeliveryFailureRollsBack(t *testing.T) {
	f := newOTPFixture(t, true)
	ctx := context.Background()

	f.outbox.FailWith(errors.New("gateway down"))
	err := f.svc.Send(ctx, testPhone, model.UserTypeStudent)
	require.ErrorIs(t, err, ErrDeliveryFailed)

	_, err = f.repo.Latest(ctx, testPhone, model.UserTypeStudent)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, f.svc.Verify(ctx, testPhone, DevOTPCode, model.UserTypeStudent), ErrNotFound)

	f.outbox.FailWith(nil)
	require.NoError(t, f.svc.Send(ctx, testPhone, model.UserTypeStudent))
	assert.NoError(t, f.svc.Verify(ctx, testPhone, DevOTPCode, model.UserTypeStudent))
}

func TestOtpService_RejectsBadIdentity(t *testing.T) {
	f := newOTPFixture(t, true)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Send(ctx, "12", model.UserTypeStudent), ErrInvalidPhoneNumber)
	assert.ErrorIs(t, f.svc.Send(ctx, testPhone, "guest"), ErrInvalidUserType)
	assert.Empty(t, f.outbox.Messages())
}

func TestOtpService_MessageBody(t *testing.T) {
	f := newOTPFixture(t, true)
	require.NoError(t, f.svc.Send(context.Background(), testPhone, model.UserTypeStudent))
	msg, ok := f.outbox.Last(testPhone)
	require.True(t, ok)
	assert.Equal(t, "Your Acadeveia OTP is: 123456. Valid for 5 minutes.", msg.Body)
}
