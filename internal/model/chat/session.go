package chat

import (
	"path/filepath"
	"strings"
	"time"
)

// NewSessionKey marks a conversation that has no session file yet.
const NewSessionKey = "new_session"

// SessionExt is the file extension of persisted sessions.
const SessionExt = ".json"

// timestampLayout names generated session files, e.g. 2024-05-01_13-04-59.json.
const timestampLayout = "2006-01-02_15-04-05"

// TimestampKey returns the session key generated for a new session saved at t.
func TimestampKey(t time.Time) string {
	return t.Format(timestampLayout) + SessionExt
}

// ValidKey reports whether key can name a session file: a bare file name
// ending in .json.
func ValidKey(key string) bool {
	if key == "" || key == NewSessionKey {
		return false
	}
	if strings.ContainsAny(key, `/\`) || filepath.Base(key) != key {
		return false
	}
	if key == "." || key == ".." || strings.HasPrefix(key, ".") {
		return false
	}
	return strings.HasSuffix(key, SessionExt) && len(key) > len(SessionExt)
}
