package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/runehq/rune/pkg/config"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Global configuration (loaded before any command runs)
	globalConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "rune",
	Short: "Conversational agent with persistent memory and tasks",
	Long: `rune - a conversational agent core with long-term memory.

Every turn assembles persona, remembered facts and open tasks into the
prompt, streams the model reply, and reconciles what was said back into
memory in the background. Reminders and ask-user tasks are delivered by a
scheduler over the active transport.

Configuration lives in ~/.rune/config.yaml; the RUNE_PROVIDER, RUNE_API_KEY,
RUNE_BASE_URL, RUNE_MODEL and RUNE_DATA_DIR environment variables override
it. Without configuration rune runs fully offline with canned replies.

Examples:
  # Offline console chat (no API key needed)
  rune chat --user @alice --room lobby

  # Chat against an OpenAI-compatible endpoint
  RUNE_PROVIDER=openai RUNE_API_KEY=sk-... rune chat --user @alice

  # Serve the websocket transport
  rune serve --addr 127.0.0.1:8080`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		path := cfgPath
		if path == "" {
			p, err := config.DefaultPath()
			if err != nil {
				return err
			}
			path = p
		}
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		globalConfig = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.rune/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
