// Package main is the entry point for the assistant server.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-assistant/backend/internal/config"
)

// Set by ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "assistant",
		Short:         "Local voice/text chat assistant backed by an OpenAI-compatible model server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// Load .env file
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				log.Printf("warning: failed to load .env file: %v", err)
			}
		},
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "Path to configuration file (YAML or TOML)")
	root.AddCommand(serveCmd(), versionCmd(), configCmd(), transcribeCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("assistant %s\n", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gen, err := cfg.GenerationOptions()
			if err != nil {
				return err
			}

			fmt.Println("Configuration OK")
			fmt.Printf("  model:          %s (%s, type=%s)\n", cfg.ModelPath.Large, cfg.ModelProvider, cfg.ModelType)
			fmt.Printf("  history:        %s (%s)\n", cfg.ChatHistoryPath, cfg.HistoryBackend)
			fmt.Printf("  transcription:  %s\n", cfg.Transcription.Provider)
			fmt.Printf("  listen:         %s\n", cfg.Server.Addr)
			if len(gen.Ignored) > 0 {
				fmt.Printf("  load-time keys: %v\n", gen.Ignored)
			}
			return nil
		},
	})
	return cmd
}
