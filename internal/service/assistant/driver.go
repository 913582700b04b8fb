// Package assistant drives one chat interaction at a time per client:
// session selection, input handling, the chain call and persistence.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zhouzirui/z-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/z-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/z-assistant/backend/internal/service/history"
	"github.com/zhouzirui/z-assistant/backend/internal/service/transcribe"
	"github.com/zhouzirui/z-assistant/backend/internal/telemetry"
)

// UploadPrompt prefixes the transcript of an uploaded audio file.
const UploadPrompt = "Summarize this text: "

// Input kinds, also used as metric labels.
const (
	KindText   = "text"
	KindVoice  = "voice"
	KindUpload = "upload"
)

// ErrModelFailed wraps failures of the chat model call.
var ErrModelFailed = errors.New("model request failed")

var tracer = otel.Tracer("github.com/zhouzirui/z-assistant/backend/internal/service/assistant")

// Turn 描述一次交互的结果。Skipped 为 true 时没有调用模型，也没有修改会话。
type Turn struct {
	Kind       string
	SessionKey string
	Transcript string
	Utterance  string
	Reply      string
	Skipped    bool
	Notice     string
}

// Options configures optional collaborators of the driver.
type Options struct {
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Driver 协调转写、对话链与会话存储。
type Driver struct {
	store       history.Store
	chain       *ai.Service
	transcriber transcribe.Transcriber
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// NewDriver creates a driver. transcriber may be nil when audio input is disabled.
func NewDriver(store history.Store, chain *ai.Service, transcriber transcribe.Transcriber, opts Options) *Driver {
	if transcriber == nil {
		transcriber = transcribe.Disabled{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Driver{
		store:       store,
		chain:       chain,
		transcriber: transcriber,
		metrics:     opts.Metrics,
		now:         now,
	}
}

// AudioEnabled reports whether voice and upload inputs can be transcribed.
func (d *Driver) AudioEnabled() bool {
	_, disabled := d.transcriber.(transcribe.Disabled)
	return !disabled
}

// NewState returns a client state positioned on a new, empty session.
func (d *Driver) NewState() *State {
	return newState(d.now())
}

// Sessions returns the selector options: new_session followed by saved sessions, newest first.
func (d *Driver) Sessions(ctx context.Context) ([]string, error) {
	keys, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return append([]string{chat.NewSessionKey}, keys...), nil
}

// Select 切换当前会话，未保存的内存改动会被丢弃。无效键回退到 new_session。
func (d *Driver) Select(ctx context.Context, st *State, key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.touch(d.now())

	if key != chat.NewSessionKey && !chat.ValidKey(key) {
		log.Printf("[assistant] invalid session key %q, starting a new session", key)
		key = chat.NewSessionKey
	}

	if key == chat.NewSessionKey {
		st.key = chat.NewSessionKey
		st.history.Reset(nil)
		return nil
	}

	msgs, err := d.store.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", key, err)
	}
	st.key = key
	st.history.Reset(msgs)
	log.Printf("[assistant] selected session %s (%d messages)", key, len(msgs))
	return nil
}

// SubmitText runs the chain on typed text. Blank text is a no-op.
func (d *Driver) SubmitText(ctx context.Context, st *State, text string) (*Turn, error) {
	text = strings.TrimSpace(chat.ValidText(text))
	if text == "" {
		return &Turn{Kind: KindText, SessionKey: st.Key(), Skipped: true}, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.touch(d.now())

	return d.respond(ctx, st, &Turn{Kind: KindText, Utterance: text})
}

// SubmitVoice transcribes a recording and answers it like typed text.
func (d *Driver) SubmitVoice(ctx context.Context, st *State, audio []byte, format string) (*Turn, error) {
	turn := &Turn{Kind: KindVoice}
	transcript, ok := d.transcribe(ctx, turn, audio, format)
	if !ok {
		turn.SessionKey = st.Key()
		return turn, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.touch(d.now())

	turn.Utterance = transcript
	return d.respond(ctx, st, turn)
}

// SubmitUpload transcribes an uploaded wav/mp3/ogg file and asks for a summary.
func (d *Driver) SubmitUpload(ctx context.Context, st *State, audio []byte, filename string) (*Turn, error) {
	format, err := transcribe.UploadFormat(filename)
	if err != nil {
		d.metrics.Interaction(KindUpload, "rejected")
		return nil, err
	}

	turn := &Turn{Kind: KindUpload}
	transcript, ok := d.transcribe(ctx, turn, audio, format)
	if !ok {
		turn.SessionKey = st.Key()
		return turn, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.touch(d.now())

	turn.Utterance = UploadPrompt + transcript
	return d.respond(ctx, st, turn)
}

// SubmitTextStream is SubmitText with the reply forwarded to onDelta as it
// is generated. The recorded reply is the cleaned concatenation of all deltas.
func (d *Driver) SubmitTextStream(ctx context.Context, st *State, text string, onDelta func(string) error) (*Turn, error) {
	text = strings.TrimSpace(chat.ValidText(text))
	if text == "" {
		return &Turn{Kind: KindText, SessionKey: st.Key(), Skipped: true}, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.touch(d.now())

	turn := &Turn{Kind: KindText, Utterance: text}
	start := d.now()
	reply, err := d.streamReply(ctx, st, text, onDelta)
	d.metrics.ChainDuration(d.now().Sub(start))
	if err != nil {
		d.metrics.Interaction(turn.Kind, "error")
		return nil, fmt.Errorf("%w: %w", ErrModelFailed, err)
	}
	return d.record(ctx, st, turn, reply)
}

func (d *Driver) streamReply(ctx context.Context, st *State, text string, onDelta func(string) error) (string, error) {
	stream, err := d.chain.Bind(st.history).Stream(ctx, text)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to receive chat chunk: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		if onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				return "", fmt.Errorf("failed to forward chat chunk: %w", err)
			}
		}
	}
	return ai.CleanReply(sb.String()), nil
}

// transcribe 调用转写服务；失败或结果为空时标记 turn 为 skipped。
func (d *Driver) transcribe(ctx context.Context, turn *Turn, audio []byte, format string) (string, bool) {
	ctx, span := tracer.Start(ctx, "transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.String("input.kind", turn.Kind),
		attribute.String("audio.format", format),
		attribute.Int("audio.bytes", len(audio)),
	)

	start := d.now()
	text, err := d.transcriber.Transcribe(ctx, audio, format)
	elapsed := d.now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.metrics.TranscriptionDuration(elapsed, "error")
		d.metrics.Interaction(turn.Kind, "skipped")
		log.Printf("[assistant] transcription failed (%s, %d bytes): %v", format, len(audio), err)
		turn.Skipped = true
		turn.Notice = "Could not transcribe the audio."
		if errors.Is(err, transcribe.ErrEmptyAudio) {
			turn.Notice = "No audio was recorded."
		}
		return "", false
	}

	text = strings.TrimSpace(chat.ValidText(text))
	turn.Transcript = text
	if text == "" {
		d.metrics.TranscriptionDuration(elapsed, "empty")
		d.metrics.Interaction(turn.Kind, "skipped")
		turn.Skipped = true
		turn.Notice = "No speech was recognised."
		return "", false
	}

	d.metrics.TranscriptionDuration(elapsed, "ok")
	return text, true
}

// respond 必须在持有 st.mu 时调用。
func (d *Driver) respond(ctx context.Context, st *State, turn *Turn) (*Turn, error) {
	start := d.now()
	reply, err := d.chain.Bind(st.history).Run(ctx, turn.Utterance)
	d.metrics.ChainDuration(d.now().Sub(start))
	if err != nil {
		d.metrics.Interaction(turn.Kind, "error")
		log.Printf("[assistant] chain failed for session %s: %v", st.key, err)
		return nil, fmt.Errorf("%w: %w", ErrModelFailed, err)
	}
	return d.record(ctx, st, turn, reply)
}

func (d *Driver) record(ctx context.Context, st *State, turn *Turn, reply string) (*Turn, error) {
	prevKey, prevMsgs := st.key, st.history.Messages()
	reply = chat.ValidText(reply)

	st.history.AddUserMessage(turn.Utterance)
	st.history.AddAIMessage(reply)
	turn.Reply = reply

	if err := d.persist(ctx, st); err != nil {
		st.key = prevKey
		st.history.Reset(prevMsgs)
		d.metrics.Interaction(turn.Kind, "error")
		return nil, err
	}

	turn.SessionKey = st.key
	d.metrics.Interaction(turn.Kind, "ok")
	return turn, nil
}

// persist 保存完整会话；new_session 首次保存时生成时间戳键并切换到该键。
func (d *Driver) persist(ctx context.Context, st *State) error {
	if st.history.Len() == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "history.save")
	defer span.End()

	if st.key == chat.NewSessionKey {
		st.key = d.uniqueKey(ctx)
		log.Printf("[assistant] created session %s", st.key)
	}
	span.SetAttributes(
		attribute.String("session.key", st.key),
		attribute.Int("session.messages", st.history.Len()),
	)

	if err := d.store.Save(ctx, st.key, st.history.Messages()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to save session %s: %w", st.key, err)
	}
	return nil
}

func (d *Driver) uniqueKey(ctx context.Context) string {
	base := chat.TimestampKey(d.now())
	if !d.store.Exists(ctx, base) {
		return base
	}
	stem := strings.TrimSuffix(base, chat.SessionExt)
	for i := 1; ; i++ {
		key := fmt.Sprintf("%s_%d%s", stem, i, chat.SessionExt)
		if !d.store.Exists(ctx, key) {
			return key
		}
	}
}
