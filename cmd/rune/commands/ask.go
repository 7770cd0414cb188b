package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/runehq/rune/pkg/dialog"
)

var askFile string

// askRequest is the document format accepted by `rune ask -f`.
type askRequest struct {
	User string `yaml:"user" json:"user"`
	Room string `yaml:"room,omitempty" json:"room,omitempty"`
	Text string `yaml:"text" json:"text"`
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Run one turn from a request document",
	Long: `Run a single non-interactive turn.

The request document is YAML or JSON:

  user: "@alice:example.org"
  room: "!lobby:example.org"
  text: "remind me to stretch in half an hour"

The full reply is printed to stdout.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if askFile == "" {
			return fmt.Errorf("request file is required, use -f flag")
		}
		var req askRequest
		if err := loadRequest(askFile, &req); err != nil {
			return err
		}
		if req.Text == "" {
			return fmt.Errorf("request document has no text")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, globalConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		reply, err := a.Orchestrator.Reply(ctx, dialog.Key{ActorID: req.User, RoomID: req.Room}, req.Text)
		if reply != "" {
			fmt.Fprintln(cmd.OutOrStdout(), reply)
		}
		return err
	},
}

func init() {
	askCmd.Flags().StringVarP(&askFile, "file", "f", "", "request document (YAML or JSON)")
	rootCmd.AddCommand(askCmd)
}

// loadRequest loads a request document from a YAML or JSON file.
func loadRequest(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse YAML: %w", err)
		}
	}
	return nil
}
