// Package client talks to the Acadeveia server: HTTP calls, the OTP login flow and the chat socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/realtime"
	"github.com/google/uuid"
)

// APIError is a non-2xx response
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// User is the account returned by the server
type User struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	PhoneNumber string         `json:"phoneNumber"`
	UserType    model.UserType `json:"userType"`
}

// Session is the result of a successful verify or refresh
type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         User      `json:"user"`
}

// SendOTPResult is the send-otp response
type SendOTPResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	DevOTP  string `json:"devOtp,omitempty"`
}

// API is an HTTP client for the server
type API struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewAPI creates a client for baseURL; a nil httpClient uses a 15s timeout client
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SetToken sets the bearer token used for authenticated calls
func (a *API) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// Token returns the current bearer token
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// WebSocketURL is the /ws endpoint with the scheme switched to ws or wss
func (a *API) WebSocketURL() (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (a *API) SendOTP(ctx context.Context, phone string, userType model.UserType) (*SendOTPResult, error) {
	var out SendOTPResult
	err := a.do(ctx, http.MethodPost, "/auth/send-otp", map[string]string{
		"phoneNumber": phone,
		"userType":    string(userType),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) VerifyOTP(ctx context.Context, phone, code string, userType model.UserType) (*Session, error) {
	var out Session
	err := a.do(ctx, http.MethodPost, "/auth/verify-otp", map[string]string{
		"phoneNumber": phone,
		"otp":         code,
		"userType":    string(userType),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var out Session
	if err := a.do(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": refreshToken}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Logout(ctx context.Context, refreshToken string) error {
	return a.do(ctx, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": refreshToken}, nil)
}

func (a *API) Me(ctx context.Context) (*User, error) {
	var out User
	if err := a.do(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Rooms(ctx context.Context) ([]realtime.RoomPayload, error) {
	var out struct {
		Rooms []realtime.RoomPayload `json:"rooms"`
	}
	if err := a.do(ctx, http.MethodGet, "/rooms", nil, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

func (a *API) CreateRoom(ctx context.Context, name string, roomType model.RoomType, participants []uuid.UUID) (*realtime.RoomPayload, error) {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.String())
	}
	var out realtime.RoomPayload
	err := a.do(ctx, http.MethodPost, "/rooms", map[string]interface{}{
		"name":         name,
		"type":         roomType,
		"participants": ids,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Messages(ctx context.Context, roomID uuid.UUID, limit int) ([]realtime.MessagePayload, error) {
	path := "/rooms/" + roomID.String() + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []realtime.MessagePayload `json:"messages"`
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := a.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
