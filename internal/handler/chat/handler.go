// Package chat handles the three input kinds: typed text, streamed text
// and uploaded audio.
package chat

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-assistant/backend/internal/handler/page"
	"github.com/zhouzirui/z-assistant/backend/internal/middleware"
	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/z-assistant/backend/internal/service/transcribe"
	"github.com/zhouzirui/z-assistant/backend/pkg/utils"
)

// MaxUploadBytes caps uploaded audio files.
const MaxUploadBytes = 32 << 20

// Handler 聊天输入的HTTP处理器
type Handler struct {
	driver *assistant.Driver
}

// New 创建聊天处理器
func New(driver *assistant.Driver) *Handler {
	return &Handler{driver: driver}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/text", h.handleText)
	r.Post("/stream", h.handleStream)
	r.Post("/upload", h.handleUpload)
}

// TurnResponse is the JSON view of an interaction.
type TurnResponse struct {
	Kind       string `json:"kind"`
	SessionKey string `json:"sessionKey"`
	Transcript string `json:"transcript,omitempty"`
	Utterance  string `json:"utterance,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Notice     string `json:"notice,omitempty"`
}

// NewTurnResponse converts a turn for JSON clients.
func NewTurnResponse(t *assistant.Turn) TurnResponse {
	return TurnResponse{
		Kind:       t.Kind,
		SessionKey: t.SessionKey,
		Transcript: t.Transcript,
		Utterance:  t.Utterance,
		Reply:      t.Reply,
		Skipped:    t.Skipped,
		Notice:     t.Notice,
	}
}

func (h *Handler) handleText(w http.ResponseWriter, r *http.Request) {
	st := middleware.StateFrom(r.Context())
	if st == nil {
		utils.RespondError(w, http.StatusInternalServerError, "client state unavailable")
		return
	}

	turn, err := h.driver.SubmitText(r.Context(), st, r.FormValue("message"))
	h.finish(w, r, turn, err)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	st := middleware.StateFrom(r.Context())
	if st == nil {
		utils.RespondError(w, http.StatusInternalServerError, "client state unavailable")
		return
	}
	if !h.driver.AudioEnabled() {
		utils.RespondError(w, http.StatusServiceUnavailable, transcribe.ErrTranscriptionDisabled.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	if _, err := transcribe.UploadFormat(header.Filename); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "only wav, mp3 and ogg files are supported")
		return
	}

	audio, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio file")
		return
	}

	turn, err := h.driver.SubmitUpload(r.Context(), st, audio, header.Filename)
	h.finish(w, r, turn, err)
}

// finish 根据结果重定向回页面，或者对 JSON 客户端直接返回结果。
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, turn *assistant.Turn, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, assistant.ErrModelFailed):
			status = http.StatusBadGateway
		case errors.Is(err, transcribe.ErrUnsupportedFormat):
			status = http.StatusBadRequest
		}
		log.Printf("[chat] interaction failed: %v", err)
		utils.RespondError(w, status, err.Error())
		return
	}

	if wantsJSON(r) {
		utils.RespondJSON(w, http.StatusOK, NewTurnResponse(turn))
		return
	}

	notice := ""
	if turn.Skipped && turn.Kind != assistant.KindText {
		notice = turn.Notice
	}
	page.Redirect(w, r, notice)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
