package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-assistant/backend/internal/config"
	"github.com/zhouzirui/z-assistant/backend/internal/handler"
	"github.com/zhouzirui/z-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/z-assistant/backend/internal/service/history"
	"github.com/zhouzirui/z-assistant/backend/internal/service/transcribe"
	"github.com/zhouzirui/z-assistant/backend/internal/telemetry"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat web server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			title, _ := cmd.Flags().GetString("title")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, title)
		},
	}
	cmd.Flags().String("title", "Local Voice Assistant", "Page title")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, title string) error {
	logCloser, err := telemetry.SetupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, cfg.Log, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("warning: failed to flush traces: %v", err)
		}
	}()

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize chat model: %w", err)
	}
	gen, err := cfg.GenerationOptions()
	if err != nil {
		return err
	}
	chain, err := ai.NewService(ctx, chatModel, ai.Options{
		SystemPrompt: cfg.SystemPrompt,
		HistoryLimit: cfg.HistoryLimit,
		Stop:         gen.Stop,
	})
	if err != nil {
		return err
	}
	log.Printf("AI service initialized (%s, model=%s, type=%s)", cfg.ModelProvider, cfg.ModelPath.Large, cfg.ModelType)
	if cfg.EmbeddingsPath != "" {
		log.Printf("embeddings_path=%s is not used by the chat flow", cfg.EmbeddingsPath)
	}

	transcriber, err := transcribe.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize transcription: %w", err)
	}
	if cfg.Transcription.Enabled() {
		log.Printf("Transcription enabled (%s)", cfg.Transcription.Provider)
	} else {
		log.Println("语音转写未配置，录音与上传功能已关闭")
	}

	store, err := history.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to open chat history: %w", err)
	}
	defer store.Close()

	metrics := telemetry.NewMetrics()
	driver := assistant.NewDriver(store, chain, transcriber, assistant.Options{Metrics: metrics})
	registry := assistant.NewRegistry(driver, cfg.UI.StateTTL, metrics)
	if err := registry.Start(); err != nil {
		return err
	}
	defer registry.Stop()

	router := handler.NewRouter(handler.Deps{
		Driver:   driver,
		Registry: registry,
		Metrics:  metrics,
		Title:    title,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("assistant listening on %s", cfg.Server.Addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
