package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-assistant/backend/internal/service/transcribe"
)

// transcribeCmd 手动验证转写后端：读取本地音频文件并打印识别结果。
func transcribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file with the configured provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Transcription.Enabled() {
				return transcribe.ErrTranscriptionDisabled
			}

			format, _ := cmd.Flags().GetString("format")
			if format == "" {
				format = filepath.Ext(args[0])
			}
			format = transcribe.NormalizeFormat(format)
			timeout, _ := cmd.Flags().GetDuration("timeout")

			audio, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取音频失败: %w", err)
			}

			tr, err := transcribe.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			log.Printf("[transcribe] provider=%s format=%s bytes=%d", cfg.Transcription.Provider, format, len(audio))
			start := time.Now()
			text, err := tr.Transcribe(ctx, audio, format)
			if err != nil {
				return err
			}
			log.Printf("[transcribe] 完成，耗时 %s", time.Since(start).Round(time.Millisecond))
			fmt.Println(text)
			return nil
		},
	}
	cmd.Flags().String("format", "", "Audio format, defaults to the file extension")
	cmd.Flags().Duration("timeout", 45*time.Second, "Request timeout")
	return cmd
}
