package chat

import (
	"errors"
	"log"
	"net/http"

	"github.com/zhouzirui/z-assistant/backend/internal/middleware"
	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/z-assistant/backend/pkg/utils"
)

// StreamEvent is the payload of every SSE event on POST /chat/stream.
type StreamEvent struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleStream 以 SSE 推送模型回复：start → delta* → message → end，失败时发送 error。
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	st := middleware.StateFrom(r.Context())
	if st == nil {
		utils.RespondError(w, http.StatusInternalServerError, "client state unavailable")
		return
	}

	message := r.FormValue("message")
	if message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	if err := utils.SendSSEEvent(w, flusher, "start", StreamEvent{SessionKey: st.Key()}); err != nil {
		log.Printf("[stream] %v", err)
		return
	}

	turn, err := h.driver.SubmitTextStream(r.Context(), st, message, func(delta string) error {
		return utils.SendSSEEvent(w, flusher, "delta", StreamEvent{Content: delta})
	})
	if err != nil {
		log.Printf("[stream] interaction failed: %v", err)
		msg := "internal error"
		if errors.Is(err, assistant.ErrModelFailed) {
			msg = "model request failed"
		}
		_ = utils.SendSSEEvent(w, flusher, "error", StreamEvent{Error: msg})
		return
	}

	if !turn.Skipped {
		_ = utils.SendSSEEvent(w, flusher, "message", StreamEvent{SessionKey: turn.SessionKey, Content: turn.Reply})
	}
	_ = utils.SendSSEEvent(w, flusher, "end", StreamEvent{SessionKey: turn.SessionKey})
	log.Printf("[stream] completed reply for session=%s, length=%d", turn.SessionKey, len(turn.Reply))
}
