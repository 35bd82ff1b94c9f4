package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finnweber/chime/pkg/auth"
	"github.com/finnweber/chime/pkg/model"
	"github.com/finnweber/chime/pkg/protocol"
)

const minPasswordLength = 8

// Handler builds the full HTTP surface: the signaling WebSocket plus the
// REST API for accounts, history, and push registration.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)

	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	mux.HandleFunc("GET /api/messages/{counterpart}", s.requireAuth(s.handleGetMessages))
	mux.HandleFunc("POST /api/messages", s.requireAuth(s.handlePostMessage))
	mux.HandleFunc("DELETE /api/messages/{counterpart}", s.requireAuth(s.handleDeleteMessages))

	mux.HandleFunc("POST /api/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.HandleFunc("DELETE /api/push/subscribe", s.requireAuth(s.handlePushUnsubscribe))

	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// requireAuth verifies the bearer token and passes the resolved user id on.
// The same verification path as the WebSocket handshake, so revocation and
// idle timeout apply uniformly.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Verify(bearerToken(r))
		if err != nil {
			s.metrics.FailedAuths.Add(1)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		next(w, r, userID)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return h[len(prefix):]
}

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := model.ValidateUsername(req.Username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password too short")
		return
	}

	salt, err := auth.NewSalt()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}
	user := &model.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		DisplayName:  displayName,
		PasswordHash: auth.HashPassword(req.Password, salt),
		PasswordSalt: salt,
		CreatedAt:    time.Now().UTC(),
	}
	// Uniqueness check and insert run in one transaction so concurrent
	// registrations of the same name cannot both pass the check.
	tx, err := s.store.Tx(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	existing, err := tx.GetUserByUsername(req.Username)
	if err != nil {
		_ = tx.Rollback()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		_ = tx.Rollback()
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err := tx.CreateUser(user); err != nil {
		_ = tx.Rollback()
		slog.Error("user create failed", "username", req.Username, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, _, err := s.auth.Issue(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("user registered", "username", user.Username)
	writeJSON(w, http.StatusCreated, loginResponse{Token: token, User: *user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.NonTx().GetUserByUsername(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil || !auth.VerifyPassword(req.Password, user.PasswordSalt, user.PasswordHash) {
		s.metrics.FailedAuths.Add(1)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, _, err := s.auth.Issue(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("user logged in", "username", user.Username)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: *user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Revoke(bearerToken(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
	// MarkedRead is how many of these were flipped to read by this fetch.
	MarkedRead int64 `json:"marked_read"`
}

// handleGetMessages returns the conversation with {counterpart}, newest last,
// and marks everything they sent as read. Pagination via ?page_size and
// ?offset.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request, userID string) {
	counterpart := r.PathValue("counterpart")

	var filters model.MessageFilters
	if v := r.URL.Query().Get("page_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid page_size")
			return
		}
		filters.PageSize = &n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filters.Offset = &n
	}

	messages, err := s.store.NonTx().ListMessagesBetween(userID, counterpart, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	marked, err := s.store.NonTx().MarkMessagesRead(userID, counterpart)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: messages, MarkedRead: marked})
}

// handlePostMessage is the non-realtime send path; it runs the same relay
// pipeline as send_message over the WebSocket.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req protocol.SendMessage
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, code, err := s.relayMessage(userID, &req)
	if err != nil {
		if code == protocol.CodeValidation {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.purgeHistory(userID, r.PathValue("counterpart")); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pushSubscribeRequest struct {
	Token string `json:"token"`
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request, userID string) {
	var req pushSubscribeRequest
	if err := readJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.NonTx().SetPushDestination(userID, req.Token); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.store.NonTx().DeletePushDestination(userID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxMessageSize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
