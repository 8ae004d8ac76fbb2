package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/acadeveia/server/internal/auth"
	"github.com/acadeveia/server/internal/middleware"
	"github.com/acadeveia/server/internal/model"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *auth.AuthService
	otpProvider auth.OtpProvider
	devMode     bool
}

// NewAuthHandler creates a new auth handler. In dev mode send-otp echoes the fixed code.
func NewAuthHandler(authService *auth.AuthService, otpProvider auth.OtpProvider, devMode bool) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		otpProvider: otpProvider,
		devMode:     devMode,
	}
}

// sendOTPRequest is the request body for POST /auth/send-otp
type sendOTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	UserType    string `json:"userType"`
}

// sendOTPResponse is the JSON response for send-otp
type sendOTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	DevOTP  string `json:"devOtp,omitempty"`
}

// verifyOTPRequest is the request body for POST /auth/verify-otp
type verifyOTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	OTP         string `json:"otp"`
	UserType    string `json:"userType"`
}

// sessionResponse is the JSON response for verify-otp and refresh
type sessionResponse struct {
	Token        string       `json:"token"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	User         userResponse `json:"user"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	PhoneNumber string         `json:"phoneNumber"`
	UserType    model.UserType `json:"userType"`
}

// refreshRequest is the request body for POST /auth/refresh and /auth/logout
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func newUserResponse(u model.User) userResponse {
	return userResponse{
		ID:          u.ID.String(),
		Name:        u.DisplayName(),
		PhoneNumber: u.PhoneNumber,
		UserType:    u.UserType,
	}
}

func newSessionResponse(s *auth.Session) sessionResponse {
	return sessionResponse{
		Token:        s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
		User:         newUserResponse(s.User),
	}
}

// HandleSendOTP handles POST /auth/send-otp
func (h *AuthHandler) HandleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	userType := model.UserType(strings.TrimSpace(req.UserType))

	if err := h.otpProvider.Send(r.Context(), req.PhoneNumber, userType); err != nil {
		logMaskedPhone(req.PhoneNumber, "Failed to send OTP", err)
		status, msg := otpErrorResponse(err)
		respondWithError(w, status, msg)
		return
	}

	response := sendOTPResponse{Success: true, Message: "OTP sent successfully"}
	if h.devMode {
		response.DevOTP = auth.DevOTPCode
	}
	respondWithJSON(w, http.StatusOK, response)
}

// HandleVerifyOTP handles POST /auth/verify-otp
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.OTP = strings.TrimSpace(req.OTP)
	if req.OTP == "" {
		respondWithError(w, http.StatusBadRequest, "OTP is required")
		return
	}

	session, err := h.authService.VerifyOTPAndIssueSession(r.Context(), req.PhoneNumber, req.OTP, model.UserType(strings.TrimSpace(req.UserType)))
	if err != nil {
		logMaskedPhone(req.PhoneNumber, "OTP verification failed", err)
		status, msg := otpErrorResponse(err)
		respondWithError(w, status, msg)
		return
	}

	respondWithJSON(w, http.StatusOK, newSessionResponse(session))
}

// HandleRefresh handles POST /auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		respondWithError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	session, err := h.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshTokenReuseDetected):
			respondWithError(w, http.StatusUnauthorized, "Refresh token reuse detected. Please sign in again.")
		case errors.Is(err, auth.ErrInvalidRefreshToken):
			respondWithError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		default:
			log.Printf("Refresh failed: %v", err)
			respondWithError(w, http.StatusInternalServerError, "Something went wrong")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, newSessionResponse(session))
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		respondWithError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}
	if err := h.authService.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) {
			respondWithError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
			return
		}
		log.Printf("Logout failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Logged out"})
}

// HandleMe handles GET /auth/me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	respondWithJSON(w, http.StatusOK, newUserResponse(*user))
}

// otpErrorResponse maps an OTP failure to a status code and a user-facing message
func otpErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidPhoneNumber):
		return http.StatusBadRequest, "Please enter a valid phone number"
	case errors.Is(err, auth.ErrInvalidUserType):
		return http.StatusBadRequest, "User type must be student or admin"
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusUnauthorized, "No OTP found for this number. Please request a new one."
	case errors.Is(err, auth.ErrExpired):
		return http.StatusUnauthorized, "OTP has expired. Please request a new one."
	case errors.Is(err, auth.ErrAlreadyConsumed):
		return http.StatusUnauthorized, "OTP has already been used. Please request a new one."
	case errors.Is(err, auth.ErrMismatch):
		return http.StatusUnauthorized, "Invalid OTP. Please try again."
	case errors.Is(err, auth.ErrDeliveryFailed):
		return http.StatusBadGateway, "Failed to send OTP. Please try again."
	default:
		return http.StatusInternalServerError, "Something went wrong"
	}
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"message": message})
}

// logMaskedPhone logs a failure with the phone number masked
func logMaskedPhone(phone, msg string, err error) {
	log.Printf("Phone %s: %s: %v", auth.MaskPhone(phone), msg, err)
}
