package assistant_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/z-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/z-assistant/backend/internal/service/history"
	"github.com/zhouzirui/z-assistant/backend/internal/service/transcribe"
)

type echoModel struct {
	mu    sync.Mutex
	calls int
	last  string
	err   error
}

func (m *echoModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = input[len(input)-1].Content
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage("reply to: "+m.last, nil), nil
}

func (m *echoModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitAfter(msg.Content, " ")
	chunks := make([]*schema.Message, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, schema.AssistantMessage(p, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *echoModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

type fixture struct {
	driver *assistant.Driver
	model  *echoModel
	store  *history.JSONStore
	dir    string
}

func newFixture(t *testing.T, tr transcribe.Transcriber) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := history.NewJSONStore(dir)
	if err != nil {
		t.Fatalf("NewJSONStore err: %v", err)
	}

	m := &echoModel{}
	svc, err := ai.NewService(context.Background(), m, ai.Options{SystemPrompt: "sys"})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}

	clock := time.Date(2024, 5, 1, 13, 4, 59, 0, time.Local)
	d := assistant.NewDriver(store, svc, tr, assistant.Options{
		Now: func() time.Time { return clock },
	})
	return &fixture{driver: d, model: m, store: store, dir: dir}
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSubmitTextCreatesSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	st := f.driver.NewState()

	turn, err := f.driver.SubmitText(ctx, st, "  Hello  ")
	if err != nil {
		t.Fatalf("SubmitText err: %v", err)
	}
	if turn.Reply != "reply to: Hello" {
		t.Fatalf("unexpected reply: %q", turn.Reply)
	}
	if turn.SessionKey != "2024-05-01_13-04-59.json" || st.Key() != turn.SessionKey {
		t.Fatalf("state should switch to the generated key, got %s / %s", turn.SessionKey, st.Key())
	}

	saved, err := f.store.Load(ctx, turn.SessionKey)
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	want := []chat.Message{chat.HumanMessage("Hello"), chat.AIMessage("reply to: Hello")}
	if len(saved) != 2 || saved[0] != want[0] || saved[1] != want[1] {
		t.Fatalf("unexpected saved messages: %+v", saved)
	}

	sessions, err := f.driver.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions err: %v", err)
	}
	if len(sessions) != 2 || sessions[0] != chat.NewSessionKey || sessions[1] != turn.SessionKey {
		t.Fatalf("unexpected sessions: %v", sessions)
	}
}

func TestSubmitTextAppendsToExistingSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	seed := []chat.Message{chat.HumanMessage("a"), chat.AIMessage("b")}
	if err := f.store.Save(ctx, "old.json", seed); err != nil {
		t.Fatalf("Save err: %v", err)
	}

	st := f.driver.NewState()
	if err := f.driver.Select(ctx, st, "old.json"); err != nil {
		t.Fatalf("Select err: %v", err)
	}
	if _, err := f.driver.SubmitText(ctx, st, "c"); err != nil {
		t.Fatalf("SubmitText err: %v", err)
	}

	saved, _ := f.store.Load(ctx, "old.json")
	if len(saved) != 4 || saved[2] != chat.HumanMessage("c") || saved[3].Type != chat.AI {
		t.Fatalf("expected exactly one human then one ai appended, got %+v", saved)
	}
	if len(f.files(t)) != 1 {
		t.Fatalf("no new session file expected, got %v", f.files(t))
	}
}

func TestBlankTextIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	turn, err := f.driver.SubmitText(context.Background(), f.driver.NewState(), "   ")
	if err != nil {
		t.Fatalf("SubmitText err: %v", err)
	}
	if !turn.Skipped || f.model.callCount() != 0 || len(f.files(t)) != 0 {
		t.Fatalf("blank text should not call the model or write files")
	}
}

func TestSelect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.store.Save(ctx, "s.json", []chat.Message{chat.HumanMessage("x")}); err != nil {
		t.Fatalf("Save err: %v", err)
	}

	st := f.driver.NewState()
	if err := f.driver.Select(ctx, st, "s.json"); err != nil {
		t.Fatalf("Select err: %v", err)
	}
	if key, msgs := st.Snapshot(); key != "s.json" || len(msgs) != 1 {
		t.Fatalf("unexpected state: %s %+v", key, msgs)
	}

	if err := f.driver.Select(ctx, st, chat.NewSessionKey); err != nil {
		t.Fatalf("Select err: %v", err)
	}
	if key, msgs := st.Snapshot(); key != chat.NewSessionKey || len(msgs) != 0 {
		t.Fatalf("new_session should be empty, got %s %+v", key, msgs)
	}

	for _, key := range []string{"../etc/passwd", "garbage"} {
		if err := f.driver.Select(ctx, st, key); err != nil {
			t.Fatalf("Select(%q) err: %v", key, err)
		}
		if k, msgs := st.Snapshot(); k != chat.NewSessionKey || len(msgs) != 0 {
			t.Fatalf("invalid key should fall back to new_session, got %s %+v", k, msgs)
		}
	}

	if err := f.driver.Select(ctx, st, "missing.json"); err != nil {
		t.Fatalf("Select err: %v", err)
	}
	if k, msgs := st.Snapshot(); k != "missing.json" || len(msgs) != 0 {
		t.Fatalf("missing session should load empty, got %s %+v", k, msgs)
	}
}

func TestEmptyTranscriptionSkipsChain(t *testing.T) {
	for name, tr := range map[string]fakeTranscriber{
		"empty":  {text: "   "},
		"failed": {err: errors.New("asr down")},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tr)
			st := f.driver.NewState()

			turn, err := f.driver.SubmitVoice(context.Background(), st, []byte{1, 2}, "webm")
			if err != nil {
				t.Fatalf("SubmitVoice err: %v", err)
			}
			if !turn.Skipped || turn.Notice == "" {
				t.Fatalf("expected skipped turn with notice, got %+v", turn)
			}
			if f.model.callCount() != 0 {
				t.Fatal("chain must not run")
			}
			if _, msgs := st.Snapshot(); len(msgs) != 0 {
				t.Fatal("history must not change")
			}
			if len(f.files(t)) != 0 {
				t.Fatalf("no file should be written, got %v", f.files(t))
			}
		})
	}
}

func TestSubmitVoice(t *testing.T) {
	f := newFixture(t, fakeTranscriber{text: " what time is it "})
	turn, err := f.driver.SubmitVoice(context.Background(), f.driver.NewState(), []byte{1}, "webm")
	if err != nil {
		t.Fatalf("SubmitVoice err: %v", err)
	}
	if turn.Utterance != "what time is it" || turn.Transcript != "what time is it" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
}

func TestSubmitUpload(t *testing.T) {
	f := newFixture(t, fakeTranscriber{text: "meeting notes"})
	ctx := context.Background()
	st := f.driver.NewState()

	if _, err := f.driver.SubmitUpload(ctx, st, []byte{1}, "clip.flac"); !errors.Is(err, transcribe.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}

	turn, err := f.driver.SubmitUpload(ctx, st, []byte{1}, "clip.MP3")
	if err != nil {
		t.Fatalf("SubmitUpload err: %v", err)
	}
	if turn.Utterance != "Summarize this text: meeting notes" {
		t.Fatalf("unexpected utterance: %q", turn.Utterance)
	}

	_, msgs := st.Snapshot()
	if len(msgs) != 2 || msgs[0] != chat.HumanMessage("Summarize this text: meeting notes") {
		t.Fatalf("upload should record the prefixed utterance, got %+v", msgs)
	}
}

func TestModelFailureLeavesHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.model.err = errors.New("model crashed")
	st := f.driver.NewState()

	if _, err := f.driver.SubmitText(context.Background(), st, "hi"); err == nil {
		t.Fatal("expected model error")
	}
	if key, msgs := st.Snapshot(); key != chat.NewSessionKey || len(msgs) != 0 {
		t.Fatalf("state must be unchanged, got %s %+v", key, msgs)
	}
	if len(f.files(t)) != 0 {
		t.Fatalf("nothing should be persisted, got %v", f.files(t))
	}
}

func TestTimestampCollisionGetsSuffix(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.driver.SubmitText(ctx, f.driver.NewState(), "one")
	if err != nil {
		t.Fatalf("SubmitText err: %v", err)
	}
	second, err := f.driver.SubmitText(ctx, f.driver.NewState(), "two")
	if err != nil {
		t.Fatalf("SubmitText err: %v", err)
	}

	if first.SessionKey == second.SessionKey {
		t.Fatalf("session keys must be unique, both %s", first.SessionKey)
	}
	if second.SessionKey != "2024-05-01_13-04-59_1.json" {
		t.Fatalf("unexpected suffixed key: %s", second.SessionKey)
	}
	if _, err := os.Stat(filepath.Join(f.dir, second.SessionKey)); err != nil {
		t.Fatalf("second session not written: %v", err)
	}
}

func TestSubmitTextStream(t *testing.T) {
	f := newFixture(t, nil)
	st := f.driver.NewState()

	var deltas []string
	turn, err := f.driver.SubmitTextStream(context.Background(), st, "stream me", func(s string) error {
		deltas = append(deltas, s)
		return nil
	})
	if err != nil {
		t.Fatalf("SubmitTextStream err: %v", err)
	}
	if strings.Join(deltas, "") != "reply to: stream me" || len(deltas) < 2 {
		t.Fatalf("unexpected deltas: %q", deltas)
	}
	if turn.Reply != "reply to: stream me" {
		t.Fatalf("unexpected reply: %q", turn.Reply)
	}

	saved, _ := f.store.Load(context.Background(), turn.SessionKey)
	if len(saved) != 2 || saved[1].Content != "reply to: stream me" {
		t.Fatalf("unexpected saved messages: %+v", saved)
	}
}

func TestSubmitTextStreamAbortedByClient(t *testing.T) {
	f := newFixture(t, nil)
	st := f.driver.NewState()

	_, err := f.driver.SubmitTextStream(context.Background(), st, "hi", func(string) error {
		return errors.New("client gone")
	})
	if err == nil {
		t.Fatal("expected error when the delta callback fails")
	}
	if _, msgs := st.Snapshot(); len(msgs) != 0 {
		t.Fatal("aborted stream must not be recorded")
	}
}

type failingSaveStore struct {
	*history.JSONStore
}

func (failingSaveStore) Save(context.Context, string, []chat.Message) error {
	return errors.New("disk full")
}

func TestSaveFailureRestoresState(t *testing.T) {
	ctx := context.Background()
	store, err := history.NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONStore err: %v", err)
	}
	seed := []chat.Message{chat.HumanMessage("earlier"), chat.AIMessage("answer")}
	if err := store.Save(ctx, "notes.json", seed); err != nil {
		t.Fatalf("seed Save err: %v", err)
	}

	m := &echoModel{}
	svc, err := ai.NewService(ctx, m, ai.Options{})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	d := assistant.NewDriver(failingSaveStore{store}, svc, nil, assistant.Options{})

	fresh := d.NewState()
	if _, err := d.SubmitText(ctx, fresh, "hi"); err == nil {
		t.Fatal("expected save error")
	}
	if key, msgs := fresh.Snapshot(); key != chat.NewSessionKey || len(msgs) != 0 {
		t.Fatalf("new session must stay untouched, got %s %+v", key, msgs)
	}

	st := d.NewState()
	if err := d.Select(ctx, st, "notes.json"); err != nil {
		t.Fatalf("Select err: %v", err)
	}
	if _, err := d.SubmitText(ctx, st, "more"); err == nil {
		t.Fatal("expected save error")
	}
	key, msgs := st.Snapshot()
	if key != "notes.json" || !reflect.DeepEqual(msgs, seed) {
		t.Fatalf("selected session must be restored, got %s %+v", key, msgs)
	}
	if m.callCount() != 2 {
		t.Fatalf("chain should have run for both turns, got %d calls", m.callCount())
	}
}

func TestInvalidUTF8InputMatchesSavedSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	st := f.driver.NewState()

	turn, err := f.driver.SubmitText(ctx, st, "bad \xff byte")
	if err != nil {
		t.Fatalf("SubmitText err: %v", err)
	}
	if turn.Utterance != "bad � byte" {
		t.Fatalf("utterance should be valid UTF-8, got %q", turn.Utterance)
	}

	_, inMemory := st.Snapshot()
	saved, err := f.store.Load(ctx, turn.SessionKey)
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if !reflect.DeepEqual(saved, inMemory) {
		t.Fatalf("reloaded session differs:\n got %+v\nwant %+v", saved, inMemory)
	}
}
