package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/version"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configDir string
	logLevel  string
	apiURL    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "hivemind",
		Short:         "Multi-agent orchestration runtime on a local LLM backend",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// Secrets and local overrides live in <config-dir>/.env.
			envPath := filepath.Join(opts.configDir, ".env")
			if err := godotenv.Load(envPath); err == nil {
				slog.Debug("Loaded environment file", "path", envPath)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", getEnv("HIVEMIND_CONFIG_DIR", "."), "configuration directory")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", getEnv("HIVEMIND_API_URL", "http://localhost:8080"), "control API of a running hivemind process")

	cmd.AddCommand(
		newRunCmd(opts),
		newSessionsCmd(opts),
		newStatusCmd(opts),
		newStopAgentsCmd(opts),
		newCleanupCmd(opts),
	)
	return cmd
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig layers defaults, hivemind.yaml, env vars, and the
// persistent log-level flag, then installs the slog default.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Initialize(o.configDir)
	if err != nil {
		return nil, usageErr("%v", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
