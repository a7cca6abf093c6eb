package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentrun/agentrun/internal/events"
	"github.com/agentrun/agentrun/internal/events/bus"
	"github.com/agentrun/agentrun/internal/supervisor"
	"github.com/agentrun/agentrun/internal/worktree"
)

func newRunCmd() *cobra.Command {
	var (
		taskID     string
		dir        string
		project    string
		specID     string
		engineName string
		kind       string
		envPairs   []string
	)

	cmd := &cobra.Command{
		Use:   "run [-- engine args...]",
		Short: "Spawn a task in its worktree and stream its events to the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			env := make(map[string]string, len(envPairs))
			for _, pair := range envPairs {
				k, v, ok := cutEnvPair(pair)
				if !ok {
					return fmt.Errorf("invalid --env %q, want KEY=VALUE", pair)
				}
				env[k] = v
			}

			// The task runs inside its spec's worktree, created on first
			// start and reused afterwards. --dir is the escape hatch for
			// running directly in an unmanaged directory.
			cwd := dir
			if project != "" {
				if specID == "" {
					specID = taskID
				}
				wt, err := a.worktrees.Ensure(ctx, worktree.CreateRequest{
					ProjectPath: project,
					SpecID:      specID,
					TaskID:      taskID,
				})
				if err != nil {
					return err
				}
				cwd = wt.Path
				fmt.Printf(">> worktree %s (branch %s, base %s)\n", wt.Path, wt.Branch, wt.BaseBranch)
			}

			done := make(chan int, 1)
			subscribeAndPrint(a.bus, taskID, done)

			if err := a.supervisor.Spawn(ctx, supervisor.SpawnRequest{
				TaskID: taskID,
				Cwd:    cwd,
				Args:   args,
				Engine: engineName,
				Env:    env,
				Kind:   supervisor.ProcessKind(kind),
			}); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				a.supervisor.Kill(taskID)
				a.supervisor.Wait()
				return ctx.Err()
			case code := <-done:
				a.supervisor.Wait()
				if code != 0 {
					return fmt.Errorf("task exited with code %d", code)
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "task id (required)")
	cmd.Flags().StringVar(&project, "project", "", "project repository; the task runs in its spec's worktree")
	cmd.Flags().StringVar(&specID, "spec", "", "spec id for the worktree (defaults to the task id)")
	cmd.Flags().StringVar(&dir, "dir", ".", "working directory when no --project is given")
	cmd.Flags().StringVar(&engineName, "engine", "", "engine name from the manifest")
	cmd.Flags().StringVar(&kind, "kind", string(supervisor.KindTaskExecution),
		"process kind: spec_creation, task_execution, or qa")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "extra KEY=VALUE environment for the engine")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// subscribeAndPrint is the terminal's adapter over the event surface:
// it subscribes to the bus and prints. A single subscription keeps the
// stream in publish order, so the profile-swap notice is always seen
// before the exit it suppresses. The final exit code is sent on done;
// an exit that follows a profile-swap restart is not final.
func subscribeAndPrint(b bus.EventBus, taskID string, done chan<- int) {
	restarting := false

	_, _ = b.Subscribe("task.>", func(_ context.Context, e *bus.Event) error {
		switch e.Type {
		case events.TaskLog:
			if p, ok := events.PayloadAs[events.LogPayload](e); ok && p.TaskID == taskID {
				fmt.Println(p.Text)
			}
		case events.TaskProgress:
			if p, ok := events.PayloadAs[events.ProgressPayload](e); ok && p.TaskID == taskID {
				fmt.Printf(">> %s %d%% %s\n", p.Phase, p.OverallProgress, p.Message)
			}
		case events.TaskError:
			if p, ok := events.PayloadAs[events.ErrorPayload](e); ok && p.TaskID == taskID {
				fmt.Fprintln(os.Stderr, "error: "+p.Message)
			}
		case events.TaskAuthFailure:
			if p, ok := events.PayloadAs[events.AuthFailurePayload](e); ok && p.TaskID == taskID {
				fmt.Fprintf(os.Stderr, "auth failure on profile %s: %s (re-authentication required)\n", p.ProfileID, p.Detail)
			}
		case events.TaskRateLimit:
			if p, ok := events.PayloadAs[events.RateLimitPayload](e); ok && p.TaskID == taskID && p.Alternative == "" {
				fmt.Fprintf(os.Stderr, "rate limited on profile %s (%s), no alternative profile available\n", p.ProfileID, p.Kind)
			}
		case events.TaskProfileSwap:
			if p, ok := events.PayloadAs[events.ProfileSwapPayload](e); ok && p.TaskID == taskID {
				restarting = true
				fmt.Printf(">> rate limited, switched profile %s -> %s, restarting\n", p.FromProfile, p.ToProfile)
			}
		case events.TaskExit:
			p, ok := events.PayloadAs[events.ExitPayload](e)
			if !ok || p.TaskID != taskID {
				return nil
			}
			if restarting {
				restarting = false
				return nil
			}
			done <- p.ExitCode
		}
		return nil
	})
}

func cutEnvPair(pair string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(pair, "=")
	return key, value, ok && key != ""
}
