package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatcore/internal/delivery"
	"github.com/chatcore/internal/middleware"
	"github.com/chatcore/internal/model"
)

type ConversationHandler struct {
	svc *delivery.Service
}

func NewConversationHandler(svc *delivery.Service) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

type createConversationRequest struct {
	PeerID string `json:"peer_id"`
}

// CreateConversation finds or creates the 1:1 conversation between the
// caller and peer_id. Repeating the call returns the same conversation.
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	conv, err := h.svc.StartConversation(r.Context(), userID, req.PeerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	convs, err := h.svc.Conversations(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	userID := middleware.GetUserID(r.Context())

	limit := queryInt(r, "limit", 50)
	if limit > 100 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)

	messages, err := h.svc.History(r.Context(), userID, conversationID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// sendResponse echoes the client-generated id back alongside the stored
// message so the sender can reconcile its optimistic copy exactly.
type sendResponse struct {
	Message  *model.Message `json:"message"`
	ClientID string         `json:"client_id,omitempty"`
}

func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	userID := middleware.GetUserID(r.Context())

	var in delivery.SendInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	in.ConversationID = conversationID

	msg, err := h.svc.Send(r.Context(), userID, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse{Message: msg, ClientID: in.ClientID})
}

// MarkDelivered acknowledges every pending message in the conversation at
// once and reports how many were affected.
func (h *ConversationHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	userID := middleware.GetUserID(r.Context())

	count, err := h.svc.MarkConversationDelivered(r.Context(), userID, conversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	userID := middleware.GetUserID(r.Context())

	if _, err := h.svc.MarkConversationRead(r.Context(), userID, conversationID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) GetPinned(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	userID := middleware.GetUserID(r.Context())

	pinned, err := h.svc.PinnedMessages(r.Context(), userID, conversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pinned": pinned})
}
