package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels/telegram"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/dispatcher"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/scheduler"
)

const (
	maxWebhookBody = 1 << 20
	maxSecretBody  = 64 << 10
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, msg string, code int) {
	resp := errorResponse{}
	resp.Error.Message = msg
	resp.Error.Code = code
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	Uptime     string                           `json:"uptime"`
	Dispatcher dispatcher.Stats                 `json:"dispatcher"`
	Agents     int                              `json:"agents"`
	Channels   map[string]channels.HealthStatus `json:"channels"`
	Jobs       []scheduler.JobStatus            `json:"jobs,omitempty"`
}

type sessionResponse struct {
	UserID         string    `json:"user_id"`
	State          string    `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
	LastActivityAt time.Time `json:"last_activity_at,omitzero"`
}

type newSessionRequest struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

type secretRequest struct {
	Value string `json:"value"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(g.startedAt).Round(time.Second).String(),
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Uptime:     time.Since(g.startedAt).Round(time.Second).String(),
		Dispatcher: g.deps.Queue.Stats(),
		Agents:     g.deps.Agents.Len(),
		Channels:   g.deps.Health.Health(),
	}
	if g.deps.Jobs != nil {
		resp.Jobs = g.deps.Jobs.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	sess, err := g.deps.Sessions.Current(r.Context(), userID)
	if err != nil {
		g.logger.Error("failed to load session", "user_id", userID, "error", err)
		writeError(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	resp := sessionResponse{UserID: userID, State: "no_session"}
	if sess != nil {
		resp.State = string(sess.State)
		resp.SessionID = sess.ID
		resp.MessageCount = sess.MessageCount
		resp.CreatedAt = sess.CreatedAt
		resp.LastActivityAt = sess.LastActivityAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleNewSession queues a "new" command so it runs in order with the
// user's pending messages. The reply goes to the given channel and chat,
// defaulting to a private chat with the user on the default channel.
func (g *Gateway) handleNewSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req newSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxSecretBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Channel == "" {
		req.Channel = g.cfg.DefaultChannel
	}
	if req.ChatID == "" {
		req.ChatID = userID
	}

	id := uuid.NewString()
	msg := &channels.IncomingMessage{
		ID:        id,
		Channel:   req.Channel,
		From:      userID,
		ChatID:    req.ChatID,
		Type:      channels.MessageText,
		Content:   "/new",
		Timestamp: time.Now(),
		Metadata:  map[string]any{"source": "gateway"},
	}
	outcome, err := g.deps.Queue.Enqueue(r.Context(), dispatcher.Entry{
		UserID:    userID,
		DedupeKey: msg.DedupeKey(),
		Message:   msg,
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	status := http.StatusAccepted
	switch outcome {
	case dispatcher.Busy, dispatcher.RateLimited:
		status = http.StatusTooManyRequests
	case dispatcher.Duplicate:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"request_id": id, "outcome": outcome})
}

func (g *Gateway) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	skill, key := chi.URLParam(r, "skill"), chi.URLParam(r, "key")

	var req secretRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSecretBody)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Value == "" {
		writeError(w, "value is required", http.StatusBadRequest)
		return
	}
	if err := g.deps.Secrets.Put(r.Context(), userID, skill, key, req.Value); err != nil {
		g.logger.Error("failed to store secret", "user_id", userID, "skill", skill, "key", key, "error", err)
		writeError(w, "failed to store secret", http.StatusInternalServerError)
		return
	}
	g.deps.Agents.Invalidate(userID, "secret updated")
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	skill, key := chi.URLParam(r, "skill"), chi.URLParam(r, "key")
	if err := g.deps.Secrets.Delete(r.Context(), userID, skill, key); err != nil {
		g.logger.Error("failed to delete secret", "user_id", userID, "skill", skill, "key", key, "error", err)
		writeError(w, "failed to delete secret", http.StatusInternalServerError)
		return
	}
	g.deps.Agents.Invalidate(userID, "secret deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if !g.deps.Webhook.CheckWebhookSecret(r.Header.Get("X-Telegram-Bot-Api-Secret-Token")) {
		writeError(w, "invalid webhook secret", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	switch err := g.deps.Webhook.HandleUpdate(body); {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, telegram.ErrBufferFull):
		// Telegram retries non-2xx deliveries.
		writeError(w, "busy", http.StatusServiceUnavailable)
	default:
		g.logger.Warn("rejected webhook update", "error", err)
		writeError(w, "invalid update", http.StatusBadRequest)
	}
}

// userParam returns the {userID} path parameter, rejecting values that
// cannot name a workspace directory.
func userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "userID")
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`+"\x00") {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}
