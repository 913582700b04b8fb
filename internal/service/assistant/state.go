package assistant

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/z-assistant/backend/internal/model/chat"
)

// State 是单个浏览器客户端的会话上下文：当前会话键与内存中的消息。
// mu 串行化同一客户端的交互。
type State struct {
	mu       sync.Mutex
	key      string
	history  *chat.History
	lastSeen atomic.Int64
}

func newState(now time.Time) *State {
	st := &State{
		key:     chat.NewSessionKey,
		history: chat.NewHistory(nil),
	}
	st.touch(now)
	return st
}

func (s *State) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the time of the client's last request.
func (s *State) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Snapshot returns the current session key and a copy of its messages.
func (s *State) Snapshot() (string, []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.history.Messages()
}

// Key returns the current session key.
func (s *State) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}
