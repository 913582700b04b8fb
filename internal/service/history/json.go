package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"

	"github.com/zhouzirui/z-assistant/backend/internal/model/chat"
)

var codec = sonic.ConfigStd

func logf(format string, args ...any) {
	log.Printf("[history] "+format, args...)
}

// JSONStore keeps each session as an indented JSON array in its own file.
type JSONStore struct {
	dir string
}

var _ Store = (*JSONStore)(nil)

// NewJSONStore creates dir if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if dir == "" {
		return nil, errors.New("history directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history directory %s: %w", dir, err)
	}
	return &JSONStore{dir: dir}, nil
}

// Dir returns the directory holding the session files.
func (s *JSONStore) Dir() string {
	return s.dir
}

// Load 读取会话文件，文件缺失、不可读或格式错误时返回空会话。
func (s *JSONStore) Load(_ context.Context, key string) ([]chat.Message, error) {
	if !chat.ValidKey(key) {
		logf("refusing to load invalid session key %q", key)
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logf("session %s not found, starting empty", key)
		} else {
			logf("failed to read session %s: %v", key, err)
		}
		return nil, nil
	}

	var msgs []chat.Message
	if err := codec.Unmarshal(data, &msgs); err != nil {
		logf("failed to decode session %s: %v", key, err)
		return nil, nil
	}
	return sanitize(key, msgs), nil
}

// Save 用完整消息列表覆盖会话文件，先写临时文件再 rename。
func (s *JSONStore) Save(_ context.Context, key string, messages []chat.Message) error {
	if !chat.ValidKey(key) {
		return invalidKey(key)
	}
	messages = validContent(messages)

	data, err := codec.MarshalIndent(messages, "", "    ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		// 成功 rename 后文件已不存在，Remove 会静默失败。
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync session %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session %s: %w", key, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, key)); err != nil {
		return fmt.Errorf("rename session %s: %w", key, err)
	}
	return nil
}

// List 返回目录中的会话文件，按修改时间从新到旧排序。
func (s *JSONStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions in %s: %w", s.dir, err)
	}

	type item struct {
		key string
		mod time.Time
	}
	items := make([]item, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !chat.ValidKey(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, item{key: entry.Name(), mod: info.ModTime()})
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].mod.Equal(items[j].mod) {
			return items[i].mod.After(items[j].mod)
		}
		return items[i].key > items[j].key
	})

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.key
	}
	return keys, nil
}

// Exists reports whether a session file named key is present.
func (s *JSONStore) Exists(_ context.Context, key string) bool {
	if !chat.ValidKey(key) {
		return false
	}
	info, err := os.Stat(filepath.Join(s.dir, key))
	return err == nil && info.Mode().IsRegular()
}

// Close is a no-op for the file backend.
func (s *JSONStore) Close() error {
	return nil
}
