package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/auth"
	"gwi.com/artifact-chat/internal/core"
	"gwi.com/artifact-chat/internal/store"
)

// UserStore resolves and registers the accounts behind JWT subjects.
type UserStore interface {
	GetUserByExternalID(ctx context.Context, externalUserID string) (*store.User, error)
	CreateUser(ctx context.Context, externalUserID, passwordHash string) (*store.User, error)
}

type APIHandler struct {
	chats     *core.ChatService
	docs      *core.DocumentService
	users     UserStore
	jwtSecret string
}

func NewAPIHandler(chats *core.ChatService, docs *core.DocumentService, users UserStore, jwtSecret string) *APIHandler {
	return &APIHandler{chats: chats, docs: docs, users: users, jwtSecret: jwtSecret}
}

type contextKey int

const userIDKey contextKey = iota

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenString == "" {
			// Browsers cannot set headers on websocket upgrades.
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			writeError(w, errors.Wrap(core.ErrUnauthorized, "authorization header is required"))
			return
		}

		externalUserID, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			writeError(w, errors.Wrap(core.ErrUnauthorized, "invalid token"))
			return
		}

		user, err := h.users.GetUserByExternalID(r.Context(), externalUserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, errors.Wrap(core.ErrUnauthorized, "user not found"))
				return
			}
			log.WithError(err).WithField("user", externalUserID).Error("failed to resolve user identity")
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrBadRequest), errors.Is(err, artifact.ErrUnsupportedKind):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrUpstreamFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with its mapped status. Server-side failures are
// logged and their detail withheld from the client.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("failed to encode response")
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(core.ErrBadRequest, "invalid request body: %v", err)
	}
	return nil
}

// parseTimestamp accepts RFC 3339 or unix milliseconds.
func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.Wrap(core.ErrBadRequest, "timestamp is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(core.ErrBadRequest, "invalid timestamp %q", raw)
	}
	return time.UnixMilli(ms), nil
}

type credentialsRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, errors.Wrap(core.ErrBadRequest, "user_id and password are required"))
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, errors.Wrap(err, "failed to hash password"))
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.UserID, hashedPassword)
	if err != nil {
		writeError(w, errors.Wrapf(err, "failed to create user %s", req.UserID))
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, errors.Wrap(core.ErrBadRequest, "user_id and password are required"))
		return
	}

	user, err := h.users.GetUserByExternalID(r.Context(), req.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, err)
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		writeError(w, errors.Wrap(core.ErrUnauthorized, "invalid credentials"))
		return
	}

	token, err := auth.GenerateJWT(h.jwtSecret, req.UserID)
	if err != nil {
		writeError(w, errors.Wrap(err, "failed to generate token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ChatHandler validates the turn, then streams it as NDJSON. Errors found
// before the first byte get a status code; later ones become stream events.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req core.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	turn, err := h.chats.StartTurn(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := newEventWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.chats.Stream(r.Context(), turn, out.Write); err != nil {
		log.WithError(err).WithField("chat", turn.Chat.ID).Error("chat stream failed")
	}
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("id")
	if err := h.chats.DeleteChat(r.Context(), userID(r), chatID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": chatID})
}

func (h *APIHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chats.History(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *APIHandler) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chats.Messages(r.Context(), userID(r), r.URL.Query().Get("chatId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type visibilityRequest struct {
	ChatID     string           `json:"chatId"`
	Visibility store.Visibility `json:"visibility"`
}

func (h *APIHandler) VisibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.chats.UpdateVisibility(r.Context(), userID(r), req.ChatID, req.Visibility); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteMessagesHandler(w http.ResponseWriter, r *http.Request) {
	ts, err := parseTimestamp(r.URL.Query().Get("timestamp"))
	if err != nil {
		writeError(w, err)
		return
	}
	ids, err := h.chats.DeleteMessagesAfter(r.Context(), userID(r), r.URL.Query().Get("chatId"), ts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"deleted": ids})
}

func (h *APIHandler) VotesHandler(w http.ResponseWriter, r *http.Request) {
	votes, err := h.chats.Votes(r.Context(), userID(r), r.URL.Query().Get("chatId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, votes)
}

type voteRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
}

func (h *APIHandler) VoteHandler(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.chats.Vote(r.Context(), userID(r), req.ChatID, req.MessageID, req.Type); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
