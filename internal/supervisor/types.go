package supervisor

import (
	"os/exec"
	"sync"

	"github.com/agentrun/agentrun/internal/marker"
)

// ProcessKind identifies what stage of the task lifecycle a subprocess
// serves. It is carried on spawn requests and echoed in exit events so
// the caller can tell a planning run from an execution run.
type ProcessKind string

const (
	KindSpecCreation  ProcessKind = "spec_creation"
	KindTaskExecution ProcessKind = "task_execution"
	KindQA            ProcessKind = "qa"
)

// SpawnRequest asks the supervisor to launch an engine subprocess for a
// task. Spawning for a task id that already has a live run terminates
// the old run first.
type SpawnRequest struct {
	// TaskID identifies the task. At most one live run exists per id.
	TaskID string

	// Cwd is the working directory, normally the task's worktree.
	Cwd string

	// Args are appended to the engine's manifest args.
	Args []string

	// Engine selects a manifest entry; empty means the first one.
	Engine string

	// Env holds per-task environment overrides.
	Env map[string]string

	// Kind is echoed in the exit event.
	Kind ProcessKind

	// restarted marks a spawn that already consumed its single
	// rate-limit profile swap.
	restarted bool
}

// taskRun is the supervisor's in-memory record of one live subprocess.
// It is discarded when the exit event is published.
type taskRun struct {
	taskID  string
	spawnID int64
	req     SpawnRequest

	cmd       *exec.Cmd
	profileID string
	heuristic *marker.HeuristicScanner // nil when the engine emits markers

	// progress is mutated from both stream goroutines under mu.
	mu       sync.Mutex
	progress progressState
	tail     *tailBuffer

	// killed is set before the graceful signal is sent; the wait
	// goroutine swallows the exit entirely when it is set.
	killed bool
}

func (r *taskRun) markKilled() {
	r.mu.Lock()
	r.killed = true
	r.mu.Unlock()
}

func (r *taskRun) wasKilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}
