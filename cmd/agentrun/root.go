package main

import (
	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentrun",
		Short: "Run autonomous coding-agent tasks with recovery and review",
		Long: `agentrun launches coding-agent engines per task, tracks their progress
through structured log markers, rotates credential profiles on rate
limits, and isolates each task's changes in a git worktree that can be
previewed, staged, merged, or discarded.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newProfileCmd())
	root.AddCommand(newWorktreeCmd())
	return root
}
