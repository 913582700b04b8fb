// Package history persists chat sessions, one ordered message list per key.
package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/zhouzirui/z-assistant/backend/internal/config"
	"github.com/zhouzirui/z-assistant/backend/internal/model/chat"
)

// ErrInvalidKey is returned when saving under a key that cannot name a session file.
var ErrInvalidKey = errors.New("invalid session key")

// Store 抽象会话存储。Load 失败时返回空会话而不是错误。
type Store interface {
	Load(ctx context.Context, key string) ([]chat.Message, error)
	Save(ctx context.Context, key string, messages []chat.Message) error
	// List returns existing session keys, newest first.
	List(ctx context.Context) ([]string, error)
	Exists(ctx context.Context, key string) bool
	Close() error
}

// SQLiteFile is the database file name used by the sqlite backend.
const SQLiteFile = "history.db"

// New 根据 history_backend 创建存储。
func New(cfg *config.Config) (Store, error) {
	switch cfg.HistoryBackend {
	case config.BackendJSON, "":
		return NewJSONStore(cfg.ChatHistoryPath)
	case config.BackendSQLite:
		return OpenSQLiteStore(filepath.Join(cfg.ChatHistoryPath, SQLiteFile))
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.HistoryBackend)
	}
}

func invalidKey(key string) error {
	return fmt.Errorf("%w: %q", ErrInvalidKey, key)
}

// validContent 让两种后端落盘的内容一致：非法 UTF-8 统一替换为 U+FFFD。
func validContent(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = chat.Message{Type: m.Type, Content: chat.ValidText(m.Content)}
	}
	return out
}

// sanitize drops records whose type is neither human nor ai.
func sanitize(key string, msgs []chat.Message) []chat.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.Type != chat.Human && m.Type != chat.AI {
			logf("session %s: skipping message with unknown type %q", key, m.Type)
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
