package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/strandchat/strand/internal/chat"
	"github.com/strandchat/strand/internal/models"
	"go.uber.org/zap"
)

type Handler struct {
	svc    *chat.Service
	logger *zap.Logger
}

func NewHandler(svc *chat.Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/chats", h.HandleConversations)
	mux.HandleFunc("/api/chats/get", h.GetConversation)
	mux.HandleFunc("/api/chats/update", h.UpdateConversation)
	mux.HandleFunc("/api/chats/delete", h.DeleteConversation)
	mux.HandleFunc("/api/messages", h.GetMessages)
	mux.HandleFunc("/api/messages/active", h.GetActivePath)
	mux.HandleFunc("/api/generate", h.HandleGenerate)
	mux.HandleFunc("/api/regenerate", h.HandleRegenerate)
}

type CreateConversationRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Model  string `json:"model"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type GenerateRequest struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

type RegenerateRequest struct {
	MessageID string `json:"message_id"`
	Model     string `json:"model"`
}

type FullConversationResponse struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []models.Message     `json:"messages"`
}

func (h *Handler) HandleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		conversations, err := h.svc.ListConversations(r.Context(), r.URL.Query().Get("user_id"))
		if err != nil {
			h.fail(w, "failed to list conversations", err)
			return
		}
		h.writeJSON(w, conversations)

	case http.MethodPost:
		var req CreateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		conversation, err := h.svc.CreateConversation(r.Context(), req.UserID, req.Title, req.Model)
		if err != nil {
			h.fail(w, "failed to create conversation", err)
			return
		}
		h.writeJSON(w, conversation)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conv, msgs, err := h.svc.GetFullConversation(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.fail(w, "failed to get conversation", err)
		return
	}
	h.writeJSON(w, FullConversationResponse{Conversation: conv, Messages: msgs})
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.svc.RenameConversation(r.Context(), r.URL.Query().Get("id"), req.Title); err != nil {
		h.fail(w, "failed to update conversation", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.svc.DeleteConversation(r.Context(), r.URL.Query().Get("id")); err != nil {
		h.fail(w, "failed to delete conversation", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, msgs, err := h.svc.GetFullConversation(r.Context(), r.URL.Query().Get("chat_id"))
	if err != nil {
		h.fail(w, "failed to get messages", err)
		return
	}
	h.writeJSON(w, msgs)
}

func (h *Handler) GetActivePath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	msgs, err := h.svc.GetActivePath(r.Context(), r.URL.Query().Get("chat_id"))
	if err != nil {
		h.fail(w, "failed to get active path", err)
		return
	}
	h.writeJSON(w, msgs)
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	convID := r.URL.Query().Get("chat_id")

	out := make(chan models.StreamChunk, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.svc.Generate(r.Context(), convID, req.Content, req.Model, out)
	}()
	h.relay(w, r, out, errCh)
}

func (h *Handler) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	convID := r.URL.Query().Get("chat_id")

	out := make(chan models.StreamChunk, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.svc.Regenerate(r.Context(), convID, req.MessageID, req.Model, out)
	}()
	h.relay(w, r, out, errCh)
}

// relay streams chunks to the client as NDJSON, flushing per chunk. Errors
// raised before the first chunk map to a status code; once streaming has
// begun the terminal chunk itself carries the failure.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, out <-chan models.StreamChunk, errCh <-chan error) {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	wrote := false
	for chunk := range out {
		if !wrote {
			w.Header().Set("Content-Type", "application/x-ndjson")
			wrote = true
		}
		if err := enc.Encode(chunk); err != nil {
			// Client went away; the request context cancels the generation.
			h.logger.Debug("client write failed", zap.Error(err))
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	for range out {
	}

	err := <-errCh
	if err == nil || wrote || errors.Is(err, context.Canceled) {
		if err != nil && !wrote {
			h.logger.Info("generation ended early", zap.Error(err))
		}
		return
	}
	h.fail(w, "generation failed", err)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, msg, http.StatusNotFound)
	case errors.Is(err, models.ErrBusy):
		http.Error(w, "A generation is already running for this conversation", http.StatusConflict)
	case errors.Is(err, models.ErrInvalidState):
		http.Error(w, "Only the active assistant leaf can be regenerated", http.StatusUnprocessableEntity)
	case errors.Is(err, models.ErrConflict):
		http.Error(w, msg, http.StatusConflict)
	default:
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
