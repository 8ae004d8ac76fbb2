package auth

import "errors"

// OTP handshake failures. Every one of them is shown to the user; only delivery failures are
// cleaned up automatically (the record is rolled back so a retry is not blocked).
var (
	ErrNotFound           = errors.New("no active OTP for this phone number")
	ErrExpired            = errors.New("OTP has expired")
	ErrMismatch           = errors.New("OTP does not match")
	ErrAlreadyConsumed    = errors.New("OTP was already used")
	ErrDeliveryFailed     = errors.New("failed to deliver OTP")
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrInvalidUserType    = errors.New("invalid user type")
)

// Session failures
var (
	ErrInvalidRefreshToken       = errors.New("invalid or expired refresh token")
	ErrRefreshTokenReuseDetected = errors.New("refresh token reuse detected")
	ErrInvalidToken              = errors.New("invalid or expired token")
)

// NeedsNewCode reports whether the caller must request a fresh OTP before retrying.
// Mismatches can be retried against the same code.
func NeedsNewCode(err error) bool {
	return errors.Is(err, ErrExpired) || errors.Is(err, ErrAlreadyConsumed) || errors.Is(err, ErrNotFound)
}
