package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/repo"
	"github.com/acadeveia/server/internal/sms"
)

const (
	otpMin = 100000
	otpMax = 999999

	defaultOTPExpiry = 5 * time.Minute

	// DevOTPCode is issued instead of a random code in OTP dev mode
	DevOTPCode = "123456"
)

// OtpOptions configures an OtpService
type OtpOptions struct {
	Salt        string
	ProductName string
	TTL         time.Duration
	DevMode     bool
}

// OtpService issues and verifies one-time codes bound to a (phone number, user type) pair
type OtpService struct {
	otpRepo repo.OtpRepo
	sender  sms.Sender
	opts    OtpOptions
	now     func() time.Time
}

var _ OtpProvider = (*OtpService)(nil)

// NewOtpService creates a new OTP service
func NewOtpService(otpRepo repo.OtpRepo, sender sms.Sender, opts OtpOptions) *OtpService {
	if opts.TTL <= 0 {
		opts.TTL = defaultOTPExpiry
	}
	if opts.ProductName == "" {
		opts.ProductName = "Acadeveia"
	}
	return &OtpService{
		otpRepo: otpRepo,
		sender:  sender,
		opts:    opts,
		now:     time.Now,
	}
}

// SetClock overrides the time source used for issuing and expiry checks
func (s *OtpService) SetClock(now func() time.Time) {
	s.now = now
}

// DevMode reports whether codes are fixed to DevOTPCode
func (s *OtpService) DevMode() bool {
	return s.opts.DevMode
}

// Send generates a new code, supersedes any earlier record for the pair and delivers the code.
// If delivery fails the new record is deleted again and ErrDeliveryFailed is returned.
func (s *OtpService) Send(ctx context.Context, phone string, userType model.UserType) error {
	if err := ValidateIdentity(phone, userType); err != nil {
		return err
	}

	code := DevOTPCode
	if !s.opts.DevMode {
		var err error
		if code, err = generateOTPCode(); err != nil {
			return fmt.Errorf("generate code: %w", err)
		}
	}

	now := s.now()
	rec, err := s.otpRepo.Replace(ctx, model.OtpRecord{
		PhoneNumber: phone,
		UserType:    userType,
		CodeHash:    hashOTP(phone, userType, code, s.opts.Salt),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.opts.TTL),
	})
	if err != nil {
		return fmt.Errorf("store otp: %w", err)
	}

	if err := s.sender.Send(ctx, phone, sms.FormatOTPMessage(s.opts.ProductName, code)); err != nil {
		// Deleting by id never touches a record from a newer send for the same pair.
		if delErr := s.otpRepo.Delete(context.WithoutCancel(ctx), rec.ID); delErr != nil {
			log.Printf("Phone %s: OTP rollback failed: %v", MaskPhone(phone), delErr)
		}
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// Verify checks code against the latest record for the pair and consumes it on success
func (s *OtpService) Verify(ctx context.Context, phone, code string, userType model.UserType) error {
	if err := ValidateIdentity(phone, userType); err != nil {
		return err
	}

	rec, err := s.otpRepo.Latest(ctx, phone, userType)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load otp: %w", err)
	}

	if rec.Consumed() {
		return ErrAlreadyConsumed
	}
	if rec.Expired(s.now()) {
		return ErrExpired
	}
	if !codesEqual(hashOTP(phone, userType, code, s.opts.Salt), rec.CodeHash) {
		return ErrMismatch
	}

	if err := s.otpRepo.MarkConsumed(ctx, rec.ID); err != nil {
		// a concurrent verify or a newer send got there first
		if errors.Is(err, repo.ErrNotFound) {
			return ErrAlreadyConsumed
		}
		return fmt.Errorf("consume otp: %w", err)
	}
	return nil
}

func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+otpMin), nil
}

// hashOTP returns SHA-256(phone:userType:code:salt); only the hash is stored
func hashOTP(phone string, userType model.UserType, code, salt string) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", phone, userType, code, salt)))
	return sum[:]
}

func hashOTPHex(phone string, userType model.UserType, code, salt string) string {
	return hex.EncodeToString(hashOTP(phone, userType, code, salt))
}

func codesEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
