package voice_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-assistant/backend/internal/handler/voice"
	"github.com/zhouzirui/z-assistant/backend/internal/middleware"
	"github.com/zhouzirui/z-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/z-assistant/backend/internal/service/history"
	"github.com/zhouzirui/z-assistant/backend/internal/service/transcribe"
)

type echoModel struct{}

func (echoModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("reply to: "+input[len(input)-1].Content, nil), nil
}

func (m echoModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, _ := m.Generate(ctx, input, opts...)
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// recordingTranscriber returns the received audio as the transcript.
type recordingTranscriber struct {
	mu      sync.Mutex
	formats []string
}

func (r *recordingTranscriber) Transcribe(_ context.Context, audio []byte, format string) (string, error) {
	r.mu.Lock()
	r.formats = append(r.formats, format)
	r.mu.Unlock()
	if len(audio) == 0 {
		return "", transcribe.ErrEmptyAudio
	}
	return string(audio), nil
}

func newServer(t *testing.T, tr transcribe.Transcriber) (*httptest.Server, *assistant.State) {
	t.Helper()

	store, err := history.NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONStore err: %v", err)
	}
	svc, err := ai.NewService(context.Background(), echoModel{}, ai.Options{})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	driver := assistant.NewDriver(store, svc, tr, assistant.Options{})
	st := driver.NewState()

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.WithState(req.Context(), st)))
		})
	})
	voice.New(driver).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) voice.OutgoingMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg voice.OutgoingMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return msg
}

func TestVoiceRecordingProducesReply(t *testing.T) {
	tr := &recordingTranscriber{}
	srv, st := newServer(t, tr)
	conn := dial(t, srv)

	for _, chunk := range []string{"hello ", "there"} {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte(chunk)); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}
	if err := conn.WriteJSON(voice.ControlMessage{Type: "stop", Format: "audio/webm;codecs=opus"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	msg := readReply(t, conn)
	if msg.Type != "result" {
		t.Fatalf("expected result, got %+v", msg)
	}
	if msg.Transcript != "hello there" || msg.Reply != "reply to: hello there" {
		t.Fatalf("unexpected result: %+v", msg)
	}
	if msg.SessionKey == "" || msg.SessionKey != st.Key() {
		t.Fatalf("expected session key %q, got %q", st.Key(), msg.SessionKey)
	}
}

func TestVoiceEmptyRecordingIsSkipped(t *testing.T) {
	srv, st := newServer(t, &recordingTranscriber{})
	conn := dial(t, srv)

	if err := conn.WriteJSON(voice.ControlMessage{Type: "stop"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	msg := readReply(t, conn)
	if msg.Type != "skipped" || msg.Notice == "" {
		t.Fatalf("expected skipped notice, got %+v", msg)
	}
	if _, msgs := st.Snapshot(); len(msgs) != 0 {
		t.Fatalf("skipped recording should not touch history, got %d messages", len(msgs))
	}
}

func TestVoiceResetDiscardsBuffer(t *testing.T) {
	srv, _ := newServer(t, &recordingTranscriber{})
	conn := dial(t, srv)

	_ = conn.WriteMessage(websocket.BinaryMessage, []byte("discarded"))
	_ = conn.WriteJSON(voice.ControlMessage{Type: "reset"})
	_ = conn.WriteMessage(websocket.BinaryMessage, []byte("kept"))
	_ = conn.WriteJSON(voice.ControlMessage{Type: "stop", Format: "ogg"})

	msg := readReply(t, conn)
	if msg.Transcript != "kept" {
		t.Fatalf("expected only audio after reset, got %+v", msg)
	}
}

func TestVoiceUnknownControl(t *testing.T) {
	srv, _ := newServer(t, &recordingTranscriber{})
	conn := dial(t, srv)

	_ = conn.WriteJSON(voice.ControlMessage{Type: "pause"})
	msg := readReply(t, conn)
	if msg.Type != "error" || !strings.Contains(msg.Error, "pause") {
		t.Fatalf("expected error for unknown type, got %+v", msg)
	}
}

func TestVoiceUnavailableWithoutTranscriber(t *testing.T) {
	srv, _ := newServer(t, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 handshake failure, got %v", err)
	}
}
