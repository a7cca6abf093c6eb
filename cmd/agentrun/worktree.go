package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrun/agentrun/internal/worktree"
)

func newWorktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worktree",
		Aliases: []string{"wt"},
		Short:   "Inspect and integrate task worktrees",
	}
	cmd.AddCommand(newWorktreeCreateCmd())
	cmd.AddCommand(newWorktreeListCmd())
	cmd.AddCommand(newWorktreeStatusCmd())
	cmd.AddCommand(newWorktreeDiffCmd())
	cmd.AddCommand(newWorktreeMergeCmd())
	cmd.AddCommand(newWorktreeDiscardCmd())
	cmd.AddCommand(newWorktreeChangesCmd())
	return cmd
}

func newWorktreeCreateCmd() *cobra.Command {
	var project, taskID string
	cmd := &cobra.Command{
		Use:   "create <spec-id>",
		Short: "Create a spec's worktree without starting a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			wt, err := a.worktrees.Create(ctx, worktree.CreateRequest{
				ProjectPath: project,
				SpecID:      args[0],
				TaskID:      taskID,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created %s (branch %s, base %s)\n", wt.Path, wt.Branch, wt.BaseBranch)
			return nil
		},
	}
	projectFlag(cmd, &project)
	cmd.Flags().StringVar(&taskID, "task", "", "task id to attribute the worktree to")
	return cmd
}

func newWorktreeChangesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes <spec-id>",
		Short: "List the staged-change records for a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			changes, err := a.worktrees.StagedChanges(ctx, args[0])
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				fmt.Println("no staged changes")
				return nil
			}
			for _, c := range changes {
				fmt.Printf("%s  task %s  %d files\n",
					c.StagedAt.Local().Format(time.RFC3339), c.TaskID, len(c.Files))
				for _, f := range c.Files {
					fmt.Println("  " + f)
				}
			}
			return nil
		},
	}
	return cmd
}

func projectFlag(cmd *cobra.Command, project *string) {
	cmd.Flags().StringVar(project, "project", ".", "project repository path")
}

func newWorktreeListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the project's task worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.worktrees.List(ctx, project)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no worktrees")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SPEC\tBRANCH\tAHEAD\tCHANGES\tLAST COMMIT\tSTALE")
			for _, e := range entries {
				stale := ""
				if e.Stale {
					stale = "yes"
				}
				last := ""
				if !e.LastCommit.IsZero() {
					last = e.LastCommit.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d (+%d/-%d)\t%s\t%s\n",
					e.SpecID, e.Status.Branch, e.Status.CommitsAhead,
					e.Status.FilesChanged, e.Status.Insertions, e.Status.Deletions,
					last, stale)
			}
			return w.Flush()
		},
	}
	projectFlag(cmd, &project)
	return cmd
}

func newWorktreeStatusCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "status <spec-id>",
		Short: "Show a worktree's divergence from its base branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.worktrees.Status(ctx, project, args[0])
			if err != nil {
				return err
			}
			if !s.Exists {
				fmt.Println("worktree does not exist")
				return nil
			}
			fmt.Printf("branch:        %s\n", s.Branch)
			fmt.Printf("base:          %s\n", s.BaseBranch)
			fmt.Printf("commits ahead: %d\n", s.CommitsAhead)
			fmt.Printf("changes:       %d files (+%d/-%d)\n", s.FilesChanged, s.Insertions, s.Deletions)
			if s.HasUncommitted {
				fmt.Println("uncommitted:   yes")
			}
			return nil
		},
	}
	projectFlag(cmd, &project)
	return cmd
}

func newWorktreeDiffCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "diff <spec-id>",
		Short: "Show the worktree's per-file change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.worktrees.Diff(ctx, project, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, e := range d.Entries {
				name := e.Path
				if e.Status == worktree.FileRenamed {
					name = e.OldPath + " -> " + e.Path
				}
				fmt.Fprintf(w, "%s\t%s\t+%d\t-%d\n", e.Status, name, e.Insertions, e.Deletions)
			}
			fmt.Fprintf(w, "total\t%d files\t+%d\t-%d\n", len(d.Entries), d.Insertions, d.Deletions)
			return w.Flush()
		},
	}
	projectFlag(cmd, &project)
	return cmd
}

func newWorktreeMergeCmd() *cobra.Command {
	var (
		project string
		stage   bool
		preview bool
		message string
	)
	cmd := &cobra.Command{
		Use:   "merge <spec-id>",
		Short: "Merge a worktree's changes into the primary working copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if preview {
				res, err := a.worktrees.MergePreview(ctx, project, args[0])
				if err != nil {
					return err
				}
				if res.CleanMerge {
					fmt.Println("merge preview: clean")
				} else {
					fmt.Println("merge preview: conflicts in:")
					for _, f := range res.ConflictFiles {
						fmt.Println("  " + f)
					}
				}
				if len(res.UncommittedFiles) > 0 {
					fmt.Println("uncommitted changes in the primary working copy:")
					for _, f := range res.UncommittedFiles {
						fmt.Println("  " + f)
					}
				}
				return nil
			}

			mode := worktree.MergeFull
			if stage {
				mode = worktree.MergeStageOnly
			}
			res, err := a.worktrees.Merge(ctx, worktree.MergeRequest{
				ProjectPath:   project,
				SpecID:        args[0],
				Mode:          mode,
				CommitMessage: message,
			})
			if err != nil {
				return err
			}

			switch res.Outcome {
			case worktree.OutcomeMerged:
				fmt.Println("merged")
			case worktree.OutcomeStaged:
				fmt.Printf("staged %d files (not committed)\n", len(res.StagedFiles))
			case worktree.OutcomeAlreadyCommitted:
				fmt.Println("already committed: the branch is integrated in the current HEAD")
			case worktree.OutcomeNothingToStage:
				fmt.Println("nothing to stage: review pending")
			case worktree.OutcomeTimedOutLikelySucceeded:
				fmt.Println("merge timed out but output indicates success; verify the working copy")
			default:
				fmt.Println(string(res.Outcome))
			}
			return nil
		},
	}
	projectFlag(cmd, &project)
	cmd.Flags().BoolVar(&stage, "stage", false, "stage the diff without committing")
	cmd.Flags().BoolVar(&preview, "preview", false, "read-only conflict probe, no mutation")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message for uncommitted worktree changes")
	return cmd
}

func newWorktreeDiscardCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "discard <spec-id>",
		Short: "Remove a worktree and delete its branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.worktrees.Discard(ctx, project, args[0])
		},
	}
	projectFlag(cmd, &project)
	return cmd
}
