package client

import (
	"context"
	"errors"
	"sync"

	"github.com/acadeveia/server/internal/model"
)

// ErrStaleResponse is returned for a send or verify whose (phone, user type) pair saw a newer
// request before the response arrived. The response is discarded.
var ErrStaleResponse = errors.New("response superseded by a newer request")

type otpKey struct {
	phone    string
	userType model.UserType
}

// OTPFlow runs the login handshake and ignores late responses of superseded requests
type OTPFlow struct {
	api *API

	mu  sync.Mutex
	gen map[otpKey]uint64
}

// NewOTPFlow creates a flow on top of api
func NewOTPFlow(api *API) *OTPFlow {
	return &OTPFlow{api: api, gen: make(map[otpKey]uint64)}
}

// Send requests a code. A later Send or Verify for the same pair makes this one stale.
func (f *OTPFlow) Send(ctx context.Context, phone string, userType model.UserType) (*SendOTPResult, error) {
	key, gen := f.begin(phone, userType)
	res, err := f.api.SendOTP(ctx, phone, userType)
	if !f.latest(key, gen) {
		return nil, ErrStaleResponse
	}
	return res, err
}

// Verify submits a code. On success the API client starts using the new token.
func (f *OTPFlow) Verify(ctx context.Context, phone, code string, userType model.UserType) (*Session, error) {
	key, gen := f.begin(phone, userType)
	session, err := f.api.VerifyOTP(ctx, phone, code, userType)
	if !f.latest(key, gen) {
		return nil, ErrStaleResponse
	}
	if err != nil {
		return nil, err
	}
	f.api.SetToken(session.Token)
	return session, nil
}

func (f *OTPFlow) begin(phone string, userType model.UserType) (otpKey, uint64) {
	key := otpKey{phone: phone, userType: userType}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen[key]++
	return key, f.gen[key]
}

func (f *OTPFlow) latest(key otpKey, gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen[key] == gen
}
