// Package voice receives microphone recordings over a websocket.
package voice

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-assistant/backend/internal/middleware"
	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/z-assistant/backend/internal/service/transcribe"
	"github.com/zhouzirui/z-assistant/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 10 * time.Second
	// MaxRecordingBytes caps one buffered recording.
	MaxRecordingBytes = 25 << 20
)

// Handler WebSocket语音处理器
type Handler struct {
	driver   *assistant.Driver
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(driver *assistant.Driver) *Handler {
	return &Handler{
		driver: driver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/voice", h.handleWebSocket)
}

// ControlMessage 是客户端发送的文本帧。
type ControlMessage struct {
	// Type 为 stop（结束录音并提交）或 reset（丢弃已缓存音频）。
	Type   string `json:"type"`
	Format string `json:"format"`
}

// OutgoingMessage 是服务端返回的文本帧。
type OutgoingMessage struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Notice     string `json:"notice,omitempty"`
	Error      string `json:"error,omitempty"`
}

// conn 串行化写操作，gorilla/websocket 只允许一个并发写者。
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(msg OutgoingMessage) error {
	data, err := sonic.ConfigStd.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	st := middleware.StateFrom(r.Context())
	if st == nil {
		utils.RespondError(w, http.StatusInternalServerError, "client state unavailable")
		return
	}
	if !h.driver.AudioEnabled() {
		utils.RespondError(w, http.StatusServiceUnavailable, transcribe.ErrTranscriptionDisabled.Error())
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer ws.Close()
	c := &conn{ws: ws}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws.SetReadLimit(MaxRecordingBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, c)

	var buffer bytes.Buffer
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		switch msgType {
		case websocket.BinaryMessage:
			if buffer.Len()+len(data) > MaxRecordingBytes {
				_ = c.writeJSON(OutgoingMessage{Type: "error", Error: "recording too large"})
				buffer.Reset()
				continue
			}
			buffer.Write(data)

		case websocket.TextMessage:
			var ctrl ControlMessage
			if err := sonic.ConfigStd.Unmarshal(data, &ctrl); err != nil {
				_ = c.writeJSON(OutgoingMessage{Type: "error", Error: "invalid control message"})
				continue
			}

			switch ctrl.Type {
			case "stop":
				audio := append([]byte(nil), buffer.Bytes()...)
				buffer.Reset()
				if err := c.writeJSON(h.submit(ctx, st, audio, ctrl.Format)); err != nil {
					log.Printf("[websocket] write failed: %v", err)
					return
				}
			case "reset":
				buffer.Reset()
			default:
				_ = c.writeJSON(OutgoingMessage{Type: "error", Error: "unknown message type: " + ctrl.Type})
			}
		}
	}
}

func (h *Handler) submit(ctx context.Context, st *assistant.State, audio []byte, format string) OutgoingMessage {
	if format == "" {
		format = "webm"
	}
	log.Printf("[websocket] recording finished: %d bytes, format=%s", len(audio), format)

	turn, err := h.driver.SubmitVoice(ctx, st, audio, format)
	if err != nil {
		log.Printf("[websocket] voice interaction failed: %v", err)
		return OutgoingMessage{Type: "error", Error: "model request failed"}
	}
	if turn.Skipped {
		return OutgoingMessage{Type: "skipped", SessionKey: turn.SessionKey, Notice: turn.Notice}
	}
	return OutgoingMessage{
		Type:       "result",
		SessionKey: turn.SessionKey,
		Transcript: turn.Transcript,
		Reply:      turn.Reply,
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
