package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/repo"
)

const defaultRefreshTokenExpiry = 30 * 24 * time.Hour

// Session is what a successful login or refresh hands back to the client
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         model.User
}

// AuthService orchestrates authentication operations
type AuthService struct {
	otpProvider OtpProvider
	jwtService  *JWTService
	userRepo    repo.UserRepo
	refreshRepo repo.RefreshRepo
	refreshTTL  time.Duration
	now         func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(
	otpProvider OtpProvider,
	jwtService *JWTService,
	userRepo repo.UserRepo,
	refreshRepo repo.RefreshRepo,
	refreshTTL time.Duration,
) *AuthService {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTokenExpiry
	}
	return &AuthService{
		otpProvider: otpProvider,
		jwtService:  jwtService,
		userRepo:    userRepo,
		refreshRepo: refreshRepo,
		refreshTTL:  refreshTTL,
		now:         time.Now,
	}
}

// VerifyOTPAndIssueSession verifies the code, resolves (or creates) the account for the
// phone number and role, and issues an access and refresh token pair.
func (s *AuthService) VerifyOTPAndIssueSession(ctx context.Context, phone, code string, userType model.UserType) (*Session, error) {
	if err := s.otpProvider.Verify(ctx, phone, code, userType); err != nil {
		return nil, fmt.Errorf("OTP verification failed: %w", err)
	}

	user, err := s.userRepo.GetOrCreate(ctx, phone, userType)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create user: %w", err)
	}

	return s.issue(ctx, user)
}

// RefreshTokens rotates a refresh token. Presenting a token that was already rotated revokes
// every session of the user.
func (s *AuthService) RefreshTokens(ctx context.Context, refreshToken string) (*Session, error) {
	current, err := s.refreshRepo.FindByTokenHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("find refresh session: %w", err)
	}

	if current.RevokedAt != nil {
		if current.ReplacedBy != nil {
			return nil, s.reuseDetected(ctx, current)
		}
		return nil, ErrInvalidRefreshToken
	}
	if !s.now().Before(current.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.userRepo.GetByID(ctx, current.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	token, hash, err := newRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	nextID, err := s.refreshRepo.Create(ctx, user.ID, hash, s.now().Add(s.refreshTTL))
	if err != nil {
		return nil, fmt.Errorf("store refresh session: %w", err)
	}
	if err := s.refreshRepo.RevokeAndSetReplacedBy(ctx, current.ID, nextID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// lost a race with another rotation of the same token
			_ = s.refreshRepo.Revoke(ctx, nextID)
			return nil, s.reuseDetected(ctx, current)
		}
		return nil, fmt.Errorf("rotate refresh session: %w", err)
	}

	accessToken, expiresAt, err := s.jwtService.SignAccessToken(user)
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: accessToken, RefreshToken: token, ExpiresAt: expiresAt, User: user}, nil
}

// Logout revokes the refresh session behind the token
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	current, err := s.refreshRepo.FindByTokenHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		return fmt.Errorf("find refresh session: %w", err)
	}
	if err := s.refreshRepo.Revoke(ctx, current.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *AuthService) issue(ctx context.Context, user model.User) (*Session, error) {
	accessToken, expiresAt, err := s.jwtService.SignAccessToken(user)
	if err != nil {
		return nil, err
	}

	token, hash, err := newRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	if _, err := s.refreshRepo.Create(ctx, user.ID, hash, s.now().Add(s.refreshTTL)); err != nil {
		return nil, fmt.Errorf("store refresh session: %w", err)
	}

	return &Session{AccessToken: accessToken, RefreshToken: token, ExpiresAt: expiresAt, User: user}, nil
}

func (s *AuthService) reuseDetected(ctx context.Context, session model.RefreshSession) error {
	log.Printf("Refresh token reuse for user %s; revoking all sessions", session.UserID)
	if err := s.refreshRepo.RevokeAllForUser(ctx, session.UserID); err != nil {
		return fmt.Errorf("revoke sessions after reuse: %w", err)
	}
	return ErrRefreshTokenReuseDetected
}
