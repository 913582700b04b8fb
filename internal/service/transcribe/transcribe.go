// Package transcribe turns recorded audio into text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zhouzirui/z-assistant/backend/internal/config"
)

var (
	// ErrEmptyAudio is returned for zero-length audio.
	ErrEmptyAudio = errors.New("empty audio")
	// ErrUnsupportedFormat is returned for uploads that are not wav, mp3 or ogg.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrTranscriptionDisabled is returned when no transcription provider is configured.
	ErrTranscriptionDisabled = errors.New("transcription is disabled")
)

// Transcriber converts audio bytes in the given container format (wav, mp3,
// ogg, webm) to text. The text may be empty when nothing was recognised.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// UploadFormats lists the extensions accepted for uploaded audio files.
var UploadFormats = []string{"wav", "mp3", "ogg"}

// UploadFormat returns the normalised format of an uploaded file name.
func UploadFormat(filename string) (string, error) {
	ext := NormalizeFormat(filepath.Ext(filename))
	for _, f := range UploadFormats {
		if ext == f {
			return ext, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
}

// NormalizeFormat lower-cases a format or extension and strips the leading dot
// and any MIME codec suffix ("audio/webm;codecs=opus" → "webm").
func NormalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if i := strings.Index(f, ";"); i >= 0 {
		f = f[:i]
	}
	if i := strings.LastIndex(f, "/"); i >= 0 {
		f = f[i+1:]
	}
	f = strings.TrimPrefix(f, ".")
	switch f {
	case "mpeg":
		return "mp3"
	case "x-wav", "wave":
		return "wav"
	}
	return f
}

// Disabled rejects every request.
type Disabled struct{}

// Transcribe always returns ErrTranscriptionDisabled.
func (Disabled) Transcribe(context.Context, []byte, string) (string, error) {
	return "", ErrTranscriptionDisabled
}

// New 根据 transcription.provider 创建转写器。
func New(cfg *config.Config) (Transcriber, error) {
	tc := cfg.Transcription
	switch tc.Provider {
	case config.TranscriptionDisabled, "":
		return Disabled{}, nil
	case config.TranscriptionWhisper:
		endpoint := tc.Endpoint
		if endpoint == "" {
			endpoint = cfg.ModelEndpoint
		}
		return NewWhisper(WhisperConfig{
			BaseURL:  endpoint,
			APIKey:   tc.APIKey,
			Model:    tc.Model,
			Language: tc.Language,
		}), nil
	case config.TranscriptionVolcengine:
		return NewVolcengine(VolcengineConfig{
			Endpoint:    tc.Endpoint,
			AppID:       tc.AppID,
			AccessToken: tc.AccessToken,
			APIKey:      tc.APIKey,
			Language:    tc.Language,
			Concurrent:  tc.Concurrent,
		})
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", tc.Provider)
	}
}
