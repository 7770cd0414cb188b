package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runehq/rune/pkg/prompt"
)

var tasksUser string

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List open tasks for a user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, globalConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.Tasks.ListOpen(ctx, tasksUser, 64)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(tasks) == 0 {
			fmt.Fprintln(out, "no open tasks")
			return nil
		}
		for _, t := range tasks {
			fmt.Fprintln(out, prompt.FormatTaskLine(t))
		}
		return nil
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksUser, "user", "@console", "actor id")
	rootCmd.AddCommand(tasksCmd)
}
