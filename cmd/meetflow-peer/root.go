package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagUserID   string
	flagToken    string
	flagAPIKey   string
	flagLogLevel string
	flagNoAudio  bool
)

var rootCmd = &cobra.Command{
	Use:   "meetflow-peer",
	Short: "Join a meetflow video room from the terminal",
	Long: `meetflow-peer is a headless meetflow client: it connects to the
signaling relay, joins a room and keeps WebRTC sessions with every other
member until interrupted.`,
}

// Execute runs the CLI. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "meetflow-rtc base URL")
	rootCmd.PersistentFlags().StringVar(&flagUserID, "user", "", "identity to join as (defaults to a random id; must match the token subject in jwt mode)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "bearer token for jwt auth")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "api key for api_key auth")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagNoAudio, "no-audio", false, "do not publish an audio track")

	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(createCmd)
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", flagLogLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

var resolvedUserID string

// localUserID resolves the identity once so the REST and relay sides agree.
func localUserID() string {
	if resolvedUserID == "" {
		if flagUserID != "" {
			resolvedUserID = flagUserID
		} else {
			resolvedUserID = uuid.NewString()
		}
	}
	return resolvedUserID
}
