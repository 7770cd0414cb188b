package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/runehq/rune/pkg/dialog"
	"github.com/runehq/rune/pkg/provider"
)

var (
	chatUser string
	chatRoom string
)

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	replyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#d0d0d0"))
	taskStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffb000"))
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive console chat",
	Long: `Chat with rune from the terminal.

Reply fragments are printed as they stream. Due reminders and ask-user tasks
are delivered into the same console by the background scheduler. Exit with
/quit or Ctrl-D.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "@console", "actor id for this session")
	chatCmd.Flags().StringVar(&chatRoom, "room", "console", "room id for this session")
	rootCmd.AddCommand(chatCmd)
}

// consoleMessenger prints scheduler dispatches into the chat console.
type consoleMessenger struct {
	out io.Writer
}

func (m consoleMessenger) SendText(_ context.Context, text, roomID, toUserID string) error {
	fmt.Fprintf(m.out, "\n%s\n", taskStyle.Render(fmt.Sprintf("[task → %s] %s", toUserID, text)))
	return nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	go func() {
		if err := a.scheduler(consoleMessenger{out: out}).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler stopped", "err", err)
		}
	}()

	key := dialog.Key{ActorID: chatUser, RoomID: chatRoom}
	fmt.Fprintln(out, noteStyle.Render(fmt.Sprintf("rune chat: %s in %s (/quit to exit)", chatUser, chatRoom)))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(out, promptStyle.Render("you> "))
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			break
		}

		stream, err := a.Orchestrator.Turn(ctx, key, text)
		if err != nil {
			fmt.Fprintln(out, noteStyle.Render("error: "+err.Error()))
			continue
		}
		if err := printStream(out, stream); err != nil {
			fmt.Fprintln(out, noteStyle.Render("(reply interrupted: "+err.Error()+")"))
		}
		fmt.Fprintln(out)
	}
	return scanner.Err()
}

// printStream renders fragments as they arrive. A non-Done terminal is
// returned as an error after whatever partial text was printed.
func printStream(out io.Writer, stream provider.Stream) error {
	for {
		frag, err := stream.Next()
		if err != nil {
			var st *provider.State
			if errors.As(err, &st) && st.Status() == provider.StatusDone {
				return nil
			}
			return err
		}
		fmt.Fprint(out, replyStyle.Render(frag.Text))
	}
}
