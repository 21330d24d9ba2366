package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/copyleftdev/mercury/internal/orchestrator"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxCommandBody = 16 << 10

type APIHandler struct {
	status    StatusProvider
	transport *HTTPTransport
	logger    *zap.Logger
}

func NewAPIHandler(status StatusProvider, transport *HTTPTransport, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		status:    status,
		transport: transport,
		logger:    logger,
	}
}

type SubmitCommandRequest struct {
	ChannelID     string `json:"channel_id"`
	RequesterID   string `json:"requester_id"`
	RequesterName string `json:"requester_name,omitempty"`
	Text          string `json:"text"`
}

type SubmitCommandResponse struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

type HealthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.status.State()
	resp := HealthResponse{Status: "ok", State: state.String()}
	code := http.StatusOK
	if state != orchestrator.StateRunning {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, code, resp)
}

func (h *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.status.Stats())
}

// HandleSubmitCommand feeds a chat command in through the HTTP transport.
// The reply lands in the channel's outbox.
func (h *APIHandler) HandleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SubmitCommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}

	req.ChannelID = strings.TrimSpace(req.ChannelID)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if req.ChannelID == "" || req.RequesterID == "" {
		h.respondError(w, http.StatusBadRequest, "channel_id and requester_id are required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.respondError(w, http.StatusBadRequest, "text cannot be empty")
		return
	}

	id, err := h.transport.Submit(req.ChannelID, req.RequesterID, req.RequesterName, req.Text)
	if err != nil {
		if errors.Is(err, ErrTransportStopped) {
			h.respondError(w, http.StatusServiceUnavailable, "Not accepting commands")
			return
		}
		h.logger.Error("failed to submit command", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to submit command")
		return
	}

	h.respondJSON(w, http.StatusAccepted, SubmitCommandResponse{MessageID: id, ChannelID: req.ChannelID})
}

// HandleGetMessages returns a channel's outbox. ?after=<seq> returns only
// newer messages, for polling.
func (h *APIHandler) HandleGetMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid after parameter: %v", err)
			return
		}
		after = n
	}
	h.respondJSON(w, http.StatusOK, h.transport.Messages(channelID, after))
}

func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal JSON response", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to marshal JSON response")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		h.logger.Debug("failed to write JSON response", zap.Error(err))
	}
}

func (h *APIHandler) respondError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	jsonResponse, err := json.Marshal(map[string]string{"error": fmt.Sprintf(format, args...)})
	if err != nil {
		jsonResponse = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(jsonResponse); err != nil {
		h.logger.Debug("failed to write error response", zap.Error(err))
	}
}
