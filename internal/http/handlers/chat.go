package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/acadeveia/server/internal/middleware"
	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/realtime"
	"github.com/acadeveia/server/internal/repo"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// RoomNotifier is told about rooms created over HTTP so online participants learn about them
type RoomNotifier interface {
	RoomCreated(ctx context.Context, room model.Room)
}

// ChatHandler serves the room list, room creation and message history
type ChatHandler struct {
	rooms    repo.RoomRepo
	messages repo.MessageRepo
	notifier RoomNotifier
	validate *validator.Validate
}

// NewChatHandler creates a chat handler; notifier may be nil
func NewChatHandler(rooms repo.RoomRepo, messages repo.MessageRepo, notifier RoomNotifier) *ChatHandler {
	return &ChatHandler{
		rooms:    rooms,
		messages: messages,
		notifier: notifier,
		validate: validator.New(),
	}
}

// createRoomRequest is the request body for POST /rooms
type createRoomRequest struct {
	Name         string   `json:"name" validate:"required,max=100"`
	Type         string   `json:"type" validate:"required,oneof=direct group class"`
	Participants []string `json:"participants" validate:"dive,uuid"`
}

type roomsResponse struct {
	Rooms []realtime.RoomPayload `json:"rooms"`
}

type messagesResponse struct {
	Messages []realtime.MessagePayload `json:"messages"`
}

// HandleListRooms handles GET /rooms
func (h *ChatHandler) HandleListRooms(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	rooms, err := h.rooms.ListForUser(r.Context(), user.ID)
	if err != nil {
		log.Printf("List rooms for %s: %v", user.ID, err)
		respondWithError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}

	out := make([]realtime.RoomPayload, 0, len(rooms))
	for _, room := range rooms {
		p := realtime.NewRoomPayload(room)
		last, err := h.messages.ListByRoom(r.Context(), room.ID, 1)
		if err != nil {
			log.Printf("Last message for room %s: %v", room.ID, err)
		} else if len(last) == 1 {
			m := realtime.NewMessagePayload(last[0])
			p.LastMessage = &m
		}
		out = append(out, p)
	}
	respondWithJSON(w, http.StatusOK, roomsResponse{Rooms: out})
}

// HandleCreateRoom handles POST /rooms. The caller always becomes a participant.
func (h *ChatHandler) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	// the uuid tag only matches the lowercase form
	for i, p := range req.Participants {
		req.Participants[i] = strings.ToLower(strings.TrimSpace(p))
	}
	if err := h.validate.Struct(req); err != nil {
		respondWithError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	participants := []uuid.UUID{user.ID}
	for _, p := range req.Participants {
		id := uuid.MustParse(p) // validated above
		if id != user.ID {
			participants = append(participants, id)
		}
	}
	participants = uniqueIDs(participants)
	if model.RoomType(req.Type) == model.RoomTypeDirect && len(participants) != 2 {
		respondWithError(w, http.StatusBadRequest, "A direct room needs exactly one other participant")
		return
	}

	room, err := h.rooms.Create(r.Context(), model.Room{
		Name:         req.Name,
		Type:         model.RoomType(req.Type),
		Participants: participants,
		CreatedBy:    user.ID,
	})
	if err != nil {
		if errors.Is(err, repo.ErrInvalidReference) {
			respondWithError(w, http.StatusBadRequest, "Unknown participant")
			return
		}
		log.Printf("Create room: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}

	if h.notifier != nil {
		h.notifier.RoomCreated(r.Context(), room)
	}
	respondWithJSON(w, http.StatusCreated, realtime.NewRoomPayload(room))
}

// HandleListMessages handles GET /rooms/{roomID}/messages
func (h *ChatHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	roomID, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid room id")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	room, err := h.rooms.Get(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Room not found")
			return
		}
		log.Printf("Get room %s: %v", roomID, err)
		respondWithError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}
	if !room.HasParticipant(user.ID) {
		respondWithError(w, http.StatusForbidden, "You are not a participant of this room")
		return
	}

	msgs, err := h.messages.ListByRoom(r.Context(), roomID, limit)
	if err != nil {
		log.Printf("List messages for room %s: %v", roomID, err)
		respondWithError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}
	out := make([]realtime.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, realtime.NewMessagePayload(m))
	}
	respondWithJSON(w, http.StatusOK, messagesResponse{Messages: out})
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid request"
	}
	fe := fieldErrs[0]
	switch fe.StructField() {
	case "Name":
		return "Room name is required (max 100 characters)"
	case "Type":
		return "Room type must be direct, group or class"
	default:
		return "Participants must be user ids"
	}
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
