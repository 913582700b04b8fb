// Package telemetry wires log rotation, tracing and Prometheus metrics.
package telemetry

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/zhouzirui/z-assistant/backend/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging 将标准库 log 同时输出到 stderr 和按大小轮转的日志文件。
// File 为空时只输出到 stderr。
func SetupLogging(cfg config.LogConfig) (io.Closer, error) {
	if cfg.File == "" {
		return nopCloser{}, nil
	}

	if dir := filepath.Dir(cfg.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	rotating := newRotatingFile(cfg.File, cfg)
	log.SetOutput(io.MultiWriter(os.Stderr, rotating))
	log.Printf("[telemetry] logging to %s (max %dMB x %d)", cfg.File, rotating.MaxSize, rotating.MaxBackups)
	return rotating, nil
}

func newRotatingFile(path string, cfg config.LogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}
