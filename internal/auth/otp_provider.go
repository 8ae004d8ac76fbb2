package auth

import (
	"context"

	"github.com/acadeveia/server/internal/model"
)

// OtpProvider defines the OTP handshake operations
type OtpProvider interface {
	Send(ctx context.Context, phone string, userType model.UserType) error
	Verify(ctx context.Context, phone, code string, userType model.UserType) error
}
