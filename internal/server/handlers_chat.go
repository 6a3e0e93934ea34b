package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/tsunagi/internal/ctxutil"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/orchestrator"
)

// HandleChat handles POST /v1/projects/{project_id}/chat. It runs one turn
// and answers with the appended messages, or streams them as SSE when the
// request asks for it.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	req.Workflow.ProjectID = r.PathValue("project_id")

	ctx := r.Context()
	if h.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.turnTimeout)
		defer cancel()
	}

	turn := h.orchestrator.NewTurn(orchestrator.Params{
		Workflow:     req.Workflow,
		ProjectTools: req.ProjectTools,
		Messages:     req.Messages,
	})

	if req.Stream {
		h.streamTurn(ctx, w, r, turn)
		return
	}

	resp := model.ChatResponse{Messages: []model.Message{}}
	for ev, err := range turn.Events(ctx) {
		if err != nil {
			h.writeTurnError(w, r, err)
			return
		}
		if ev.Message != nil {
			resp.Messages = append(resp.Messages, *ev.Message)
		}
		if ev.Tokens != nil {
			resp.Tokens = *ev.Tokens
		}
	}
	resp.Transfers = turn.Transfers()
	writeJSON(w, r, http.StatusOK, resp)
}

// streamTurn writes the turn as server-sent events: one "message" event per
// message, "tokens" for usage, then "done". A failure after the stream has
// started is reported as an "error" event.
func (h *Handlers) streamTurn(ctx context.Context, w http.ResponseWriter, r *http.Request, turn *orchestrator.Turn) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	// The turn timeout bounds the stream instead of the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	send := func(event string, data []byte) bool {
		if _, err := w.Write(formatSSE(event, string(data))); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	for ev, err := range turn.Events(ctx) {
		if err != nil {
			_, code, msg := h.classifyTurnError(r, err)
			data, _ := json.Marshal(model.ErrorDetail{Code: code, Message: msg})
			send("error", data)
			return
		}
		data, err := ev.Payload()
		if err != nil {
			h.logger.Error("chat: encode event", "error", err)
			continue
		}
		if !send(ev.Kind(), data) {
			return
		}
	}
	send("done", []byte("{}"))
}

func (h *Handlers) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := h.classifyTurnError(r, err)
	writeError(w, r, status, code, msg)
}

// classifyTurnError maps a turn failure to an HTTP status and error code.
func (h *Handlers) classifyTurnError(r *http.Request, err error) (int, string, string) {
	switch {
	case errors.Is(err, model.ErrInvalidConfig):
		return http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error()
	case errors.Is(err, orchestrator.ErrHandoffLimit), errors.Is(err, orchestrator.ErrIterationLimit):
		return http.StatusUnprocessableEntity, model.ErrCodeLoopLimit, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, model.ErrCodeUnavailable, "turn timed out"
	default:
		h.logger.Error("chat: turn failed",
			"error", err,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
			"project_id", r.PathValue("project_id"),
		)
		return http.StatusInternalServerError, model.ErrCodeInternalError, "turn failed"
	}
}

// formatSSE renders one server-sent event.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
