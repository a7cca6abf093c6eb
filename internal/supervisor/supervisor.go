// Package supervisor spawns and monitors agent-engine subprocesses. It
// translates their output into phase/progress events, detects rate-limit
// and auth-failure conditions from the output tail, and drives the
// single-hop profile swap + restart recovery path.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/engine"
	"github.com/agentrun/agentrun/internal/events"
	"github.com/agentrun/agentrun/internal/events/bus"
	"github.com/agentrun/agentrun/internal/marker"
	"github.com/agentrun/agentrun/internal/profile"
)

// Supervisor owns all live task runs for the process. One instance per
// application.
type Supervisor struct {
	cfg      config.EngineConfig
	manifest *engine.Manifest
	profiles *profile.Service
	bus      bus.EventBus
	logger   *logger.Logger

	mu   sync.Mutex
	runs map[string]*taskRun

	// spawnSeq hands out monotonically increasing spawn ids. The id
	// distinguishes a killed run's late exit from its replacement.
	spawnSeq atomic.Int64

	wg sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg config.EngineConfig, manifest *engine.Manifest, profiles *profile.Service, b bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		manifest: manifest,
		profiles: profiles,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "supervisor")),
		runs:     make(map[string]*taskRun),
	}
}

// Spawn launches the execution engine for a task. Any prior run for the
// same task id is terminated first; its exit is suppressed. The initial
// progress event is published before Spawn returns.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) error {
	if req.TaskID == "" {
		return fmt.Errorf("task id is required")
	}

	s.mu.Lock()
	if old, ok := s.runs[req.TaskID]; ok {
		// Mark first so the old wait goroutine swallows the exit even
		// if the process dies before the signal lands.
		old.markKilled()
		s.terminate(old)
		delete(s.runs, req.TaskID)
	}
	s.mu.Unlock()

	eng, err := s.manifest.Resolve(req.Engine)
	if err != nil {
		return err
	}

	active, err := s.profiles.Active(ctx)
	if err != nil {
		return fmt.Errorf("resolve active profile: %w", err)
	}
	token, err := s.profiles.Token(ctx, active.ID)
	if err != nil {
		return fmt.Errorf("load profile credential: %w", err)
	}

	cmd := exec.Command(eng.Command, append(append([]string{}, eng.Args...), req.Args...)...)
	cmd.Dir = req.Cwd
	cmd.Env = engine.BuildEnv(eng, req.Env, &engine.Credentials{
		ConfigDir: active.ConfigDir,
		Token:     token,
	})
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	run := &taskRun{
		taskID:    req.TaskID,
		spawnID:   s.spawnSeq.Add(1),
		req:       req,
		cmd:       cmd,
		profileID: active.ID,
		progress:  newProgressState(),
		tail:      newTailBuffer(s.cfg.TailWindowBytes),
	}
	if !eng.Markers {
		run.heuristic = marker.NewHeuristicScanner()
	}

	if err := cmd.Start(); err != nil {
		// Launch failure: failed-phase progress plus a dedicated error
		// event, no retry.
		run.mu.Lock()
		run.progress.enterPhase(marker.PhaseFailed)
		run.progress.message = err.Error()
		payload := run.progress.payload(req.TaskID)
		run.mu.Unlock()
		s.publish(events.TaskSubject(events.TaskProgress, req.TaskID), events.TaskProgress, payload)
		s.publish(events.TaskSubject(events.TaskError, req.TaskID), events.TaskError, events.ErrorPayload{
			TaskID:  req.TaskID,
			Message: fmt.Sprintf("spawn %s: %v", eng.Command, err),
		})
		return fmt.Errorf("spawn %s: %w", eng.Command, err)
	}

	s.mu.Lock()
	s.runs[req.TaskID] = run
	s.mu.Unlock()

	s.logger.Info("spawned task process",
		zap.String("task_id", req.TaskID),
		zap.Int64("spawn_id", run.spawnID),
		zap.String("engine", eng.Name),
		zap.String("profile_id", active.ID),
		zap.String("kind", string(req.Kind)))

	if err := s.profiles.MarkUsed(ctx, active.ID); err != nil {
		s.logger.Warn("mark profile used", zap.Error(err))
	}

	// Subscribers see the run exists before any output arrives.
	run.mu.Lock()
	initial := run.progress.payload(req.TaskID)
	run.mu.Unlock()
	s.publish(events.TaskSubject(events.TaskProgress, req.TaskID), events.TaskProgress, initial)

	var readers sync.WaitGroup
	readers.Add(2)
	s.wg.Add(1)
	go s.readStream(run, stdout, &readers)
	go s.readStream(run, stderr, &readers)
	go s.awaitExit(run, &readers)

	return nil
}

// Kill terminates a task's run. The run's exit event is suppressed. It
// reports whether a live run was found.
func (s *Supervisor) Kill(taskID string) bool {
	s.mu.Lock()
	run, ok := s.runs[taskID]
	if ok {
		delete(s.runs, taskID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	run.markKilled()
	s.terminate(run)
	return true
}

// KillAll terminates every tracked run concurrently and returns once all
// kill attempts have been issued.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			s.Kill(id)
			return nil
		})
	}
	_ = g.Wait()
}

// Wait blocks until every run's exit handling has finished. Used by
// shutdown and tests.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// terminate sends SIGTERM to the run's process group and escalates to
// SIGKILL after the grace window. The escalation happens in the
// background; callers do not block on the old process's exit.
func (s *Supervisor) terminate(run *taskRun) {
	if run.cmd == nil || run.cmd.Process == nil {
		return
	}
	pid := run.cmd.Process.Pid

	pgid, err := syscall.Getpgid(pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = run.cmd.Process.Signal(syscall.SIGTERM)
	}

	grace := s.cfg.KillGrace()
	time.AfterFunc(grace, func() {
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = run.cmd.Process.Kill()
		}
	})
}

// readStream consumes one output stream, reassembles lines, and feeds
// them through marker parsing into progress and log events.
func (s *Supervisor) readStream(run *taskRun, r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	var lb lineBuffer
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range lb.feed(buf[:n]) {
				s.handleLine(run, line)
			}
		}
		if err != nil {
			if line, ok := lb.flush(); ok {
				s.handleLine(run, line)
			}
			return
		}
	}
}

// handleLine processes one complete output line: tail retention, marker
// parsing, heuristic fallback, and log emission. Progress mutation is
// serialized under the run mutex so the two stream goroutines cannot
// interleave a partial update.
func (s *Supervisor) handleLine(run *taskRun, line string) {
	run.tail.write(line)

	if m := marker.Parse(line); m != nil {
		run.mu.Lock()
		changed := run.progress.apply(m)
		payload := run.progress.payload(run.taskID)
		killed := run.killed
		run.mu.Unlock()
		if changed && !killed {
			s.publish(events.TaskSubject(events.TaskProgress, run.taskID), events.TaskProgress, payload)
		}
		// Marker lines never reach the display log.
		return
	}

	if run.heuristic != nil {
		if inf := run.heuristic.Scan(line); inf != nil {
			run.mu.Lock()
			changed := run.progress.applyInference(inf)
			payload := run.progress.payload(run.taskID)
			killed := run.killed
			run.mu.Unlock()
			if changed && !killed {
				s.publish(events.TaskSubject(events.TaskProgress, run.taskID), events.TaskProgress, payload)
			}
		}
	}

	text := marker.Strip(line)
	if text == "" {
		return
	}
	if run.wasKilled() {
		return
	}
	s.publish(events.TaskSubject(events.TaskLog, run.taskID), events.TaskLog, events.LogPayload{
		TaskID: run.taskID,
		Text:   text,
	})
}

// awaitExit waits for the process to finish and runs the exit protocol:
// failure-pattern scanning, optional profile swap + restart, terminal
// progress, exit event, and run teardown.
func (s *Supervisor) awaitExit(run *taskRun, readers *sync.WaitGroup) {
	defer s.wg.Done()

	// Pipes must be drained before Wait closes them.
	readers.Wait()
	err := run.cmd.Wait()

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if run.wasKilled() {
		// A newer spawn may already own this task id; saying anything
		// about this exit would be attributed to the wrong run.
		s.logger.Debug("suppressed exit of killed spawn",
			zap.String("task_id", run.taskID),
			zap.Int64("spawn_id", run.spawnID))
		return
	}

	ctx := context.Background()

	var restart *SpawnRequest
	if exitCode != 0 {
		restart = s.handleFailureWindow(ctx, run)
	} else {
		// A clean run on a previously limited profile means its expired
		// limits no longer describe reality.
		if err := s.profiles.ClearExpiredRateLimits(ctx, run.profileID); err != nil {
			s.logger.Warn("clear expired rate limits", zap.Error(err))
		}
	}

	run.mu.Lock()
	if exitCode == 0 {
		run.progress.enterPhase(marker.PhaseComplete)
	} else if run.progress.phase != marker.PhaseFailed {
		run.progress.enterPhase(marker.PhaseFailed)
	}
	terminal := run.progress.payload(run.taskID)
	run.mu.Unlock()

	s.publish(events.TaskSubject(events.TaskProgress, run.taskID), events.TaskProgress, terminal)
	s.publish(events.TaskSubject(events.TaskExit, run.taskID), events.TaskExit, events.ExitPayload{
		TaskID:      run.taskID,
		ExitCode:    exitCode,
		ProcessKind: string(run.req.Kind),
	})

	// Discard the run record.
	s.mu.Lock()
	if cur, ok := s.runs[run.taskID]; ok && cur.spawnID == run.spawnID {
		delete(s.runs, run.taskID)
	}
	s.mu.Unlock()

	s.logger.Info("task process exited",
		zap.String("task_id", run.taskID),
		zap.Int64("spawn_id", run.spawnID),
		zap.Int("exit_code", exitCode),
		zap.Bool("restarting", restart != nil))

	// The restart follows the old spawn's exit event so the exit is the
	// last event attributed to it.
	if restart != nil {
		if err := s.Spawn(ctx, *restart); err != nil {
			s.logger.Error("restart after profile swap", zap.Error(err))
		}
	}
}

// handleFailureWindow scans the retained output tail after a nonzero
// exit. A rate-limit signature is recorded against the run's profile
// and, when auto-switch is on and a better profile exists, swaps the
// active profile and returns a restart request for the same task.
// Otherwise an auth-failure signature produces a distinct event.
func (s *Supervisor) handleFailureWindow(ctx context.Context, run *taskRun) *SpawnRequest {
	window := run.tail.String()

	rl := detectRateLimit(window, time.Now().UTC())
	if rl == nil {
		if af := detectAuthFailure(window); af != nil {
			s.logger.Warn("auth failure detected",
				zap.String("task_id", run.taskID),
				zap.String("profile_id", run.profileID),
				zap.String("detail", af.Detail))
			s.publish(events.TaskSubject(events.TaskAuthFailure, run.taskID), events.TaskAuthFailure, events.AuthFailurePayload{
				TaskID:    run.taskID,
				ProfileID: run.profileID,
				Detail:    af.Detail,
			})
		}
		return nil
	}

	if err := s.profiles.RecordRateLimit(ctx, run.profileID, profile.RateLimitEvent{
		Kind:     rl.Kind,
		ResetsAt: rl.ResetsAt,
	}); err != nil {
		s.logger.Error("record rate limit", zap.Error(err))
	}

	alt, err := s.profiles.BestAvailable(ctx, run.profileID)
	if err != nil {
		s.logger.Error("score alternative profiles", zap.Error(err))
	}

	payload := events.RateLimitPayload{
		TaskID:    run.taskID,
		ProfileID: run.profileID,
		Kind:      rl.Kind,
		ResetsAt:  &rl.ResetsAt,
	}
	if alt != nil {
		payload.Alternative = alt.ID
	}
	s.publish(events.TaskRateLimit, events.TaskRateLimit, payload)

	settings, err := s.profiles.Settings(ctx)
	if err != nil {
		s.logger.Error("load profile settings", zap.Error(err))
		return nil
	}

	// Single hop: a restarted run that rate-limits again just fails.
	if !settings.AutoSwitch || alt == nil || run.req.restarted {
		return nil
	}

	if err := s.profiles.SetActive(ctx, alt.ID); err != nil {
		s.logger.Error("activate alternative profile", zap.Error(err))
		return nil
	}

	s.publish(events.TaskSubject(events.TaskProfileSwap, run.taskID), events.TaskProfileSwap, events.ProfileSwapPayload{
		TaskID:       run.taskID,
		FromProfile:  run.profileID,
		ToProfile:    alt.ID,
		RestartCount: 1,
	})

	req := run.req
	req.restarted = true
	return &req
}

func (s *Supervisor) publish(subject, eventType string, data interface{}) {
	if err := s.bus.Publish(context.Background(), subject, bus.NewEvent(eventType, data)); err != nil {
		s.logger.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}
