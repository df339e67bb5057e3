package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/memoirhq/narrator/internal/config"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfg *config.Config

func main() {
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "narrator",
		Short: "Narrator - memoir interview backend",
		Long: `Narrator runs the memoir capture service: the interviewer agent that
talks to elderly users over WebSocket, and the stenographer and director
agents that turn the dialogue into a memoir graph in the background.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("LLM:")
			fmt.Printf("  URL:     %s\n", cfg.LLM.BaseURL)
			fmt.Printf("  Timeout: %s\n", cfg.LLM.Timeout)
			fmt.Printf("  API Key: %s\n", maskSecret(cfg.LLM.APIKey))
			fmt.Println()

			fmt.Println("TTS (Text-to-Speech):")
			fmt.Printf("  URL:     %s\n", cfg.TTS.URL)
			fmt.Printf("  Model:   %s\n", cfg.TTS.Model)
			fmt.Printf("  Voice:   %s\n", cfg.TTS.Voice)
			fmt.Printf("  Speed:   %.2f\n", cfg.TTS.Speed)
			fmt.Printf("  API Key: %s\n", maskSecret(cfg.TTS.APIKey))
			fmt.Println()

			fmt.Println("Object store (reply audio):")
			fmt.Printf("  URL:        %s\n", cfg.ObjStore.BaseURL)
			fmt.Printf("  Public URL: %s\n", cfg.ObjStore.PublicURL)
			fmt.Printf("  API Key:    %s\n", maskSecret(cfg.ObjStore.APIKey))
			fmt.Printf("  Status:     %s\n", boolStatus(cfg.ObjStoreConfigured()))
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  PostgreSQL:   %s\n", maskSecret(cfg.Database.PostgresURL))
			fmt.Printf("  Settings TTL: %s\n", cfg.Database.SettingsTTL)
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Listen: %s\n", cfg.Addr())
			fmt.Printf("  Worker queue size: %d\n", cfg.Worker.QueueSize)
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  NARRATOR_LLM_URL, NARRATOR_LLM_API_KEY, NARRATOR_LLM_TIMEOUT")
			fmt.Println("  NARRATOR_TTS_URL, NARRATOR_TTS_API_KEY, NARRATOR_TTS_MODEL, NARRATOR_TTS_VOICE, NARRATOR_TTS_SPEED")
			fmt.Println("  NARRATOR_OBJSTORE_URL, NARRATOR_OBJSTORE_PUBLIC_URL, NARRATOR_OBJSTORE_API_KEY")
			fmt.Println("  NARRATOR_POSTGRES_URL, NARRATOR_SETTINGS_TTL")
			fmt.Println("  NARRATOR_HOST, NARRATOR_PORT, NARRATOR_WORKER_QUEUE_SIZE")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Narrator %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func boolStatus(b bool) string {
	if b {
		return "configured"
	}
	return "not configured"
}
