package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/database"
	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/engine"
	"github.com/agentrun/agentrun/internal/events"
	"github.com/agentrun/agentrun/internal/events/bus"
	"github.com/agentrun/agentrun/internal/profile"
	"github.com/agentrun/agentrun/internal/vault"
)

// collector records every event it sees, keyed by event type.
type collector struct {
	mu     sync.Mutex
	events map[string][]*bus.Event
}

func newCollector(t *testing.T, b bus.EventBus) *collector {
	t.Helper()
	c := &collector{events: make(map[string][]*bus.Event)}
	for _, base := range []string{
		events.TaskLog, events.TaskProgress, events.TaskExit,
		events.TaskError, events.TaskAuthFailure, events.TaskProfileSwap,
	} {
		_, err := b.Subscribe(events.WildcardSubject(base), c.handle)
		require.NoError(t, err)
	}
	_, err := b.Subscribe(events.TaskRateLimit, c.handle)
	require.NoError(t, err)
	return c
}

func (c *collector) handle(_ context.Context, e *bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[e.Type] = append(c.events[e.Type], e)
	return nil
}

func (c *collector) byType(eventType string) []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bus.Event(nil), c.events[eventType]...)
}

func (c *collector) progressPayloads() []events.ProgressPayload {
	var out []events.ProgressPayload
	for _, e := range c.byType(events.TaskProgress) {
		out = append(out, e.Data.(events.ProgressPayload))
	}
	return out
}

func (c *collector) exitPayloads() []events.ExitPayload {
	var out []events.ExitPayload
	for _, e := range c.byType(events.TaskExit) {
		out = append(out, e.Data.(events.ExitPayload))
	}
	return out
}

type fixture struct {
	sup      *Supervisor
	bus      bus.EventBus
	col      *collector
	profiles *profile.Service
}

// shManifest runs scripts through sh so tests control the output
// exactly: Args in the spawn request carry "-c <script>".
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := profile.NewSQLiteStore(db)
	require.NoError(t, err)

	log := logger.Default()
	v := vault.New(config.VaultConfig{KeyDir: t.TempDir()}, log)
	profiles, err := profile.NewService(context.Background(), store, v, config.ProfilesConfig{
		AutoSwitch: true,
		BaseDir:    t.TempDir(),
	}, log)
	require.NoError(t, err)

	manifest := &engine.Manifest{Engines: []engine.Engine{
		{Name: "sh", Command: "sh", Markers: true},
		{Name: "sh-plain", Command: "sh", Markers: false},
	}}

	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	sup := New(config.EngineConfig{
		KillGraceSeconds: 1,
		TailWindowBytes:  10 * 1024,
	}, manifest, profiles, b, log)

	return &fixture{
		sup:      sup,
		bus:      b,
		col:      newCollector(t, b),
		profiles: profiles,
	}
}

func (f *fixture) spawnScript(t *testing.T, taskID, script string) {
	t.Helper()
	require.NoError(t, f.sup.Spawn(context.Background(), SpawnRequest{
		TaskID: taskID,
		Cwd:    t.TempDir(),
		Engine: "sh",
		Args:   []string{"-c", script},
		Kind:   KindTaskExecution,
	}))
}

func (f *fixture) waitExit(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.col.exitPayloads()) >= want
	}, 10*time.Second, 20*time.Millisecond, "expected %d exit events", want)
}

func TestMarkerDrivesProgressNotLogs(t *testing.T) {
	f := newFixture(t)

	f.spawnScript(t, "t1", `printf '__TASK_LOG_PHASE_START__:{"phase":"coding"}\nhello\n'`)
	f.waitExit(t, 1)

	var sawCoding bool
	for _, p := range f.col.progressPayloads() {
		assert.Equal(t, "t1", p.TaskID)
		if p.Phase == "coding" {
			sawCoding = true
		}
	}
	assert.True(t, sawCoding, "marker must produce a coding progress event")

	logs := f.col.byType(events.TaskLog)
	require.Len(t, logs, 1)
	lp := logs[0].Data.(events.LogPayload)
	assert.Equal(t, "hello", lp.Text)
	assert.NotContains(t, lp.Text, "__TASK_LOG_")

	exits := f.col.exitPayloads()
	require.Len(t, exits, 1)
	assert.Equal(t, 0, exits[0].ExitCode)
	assert.Equal(t, string(KindTaskExecution), exits[0].ProcessKind)
}

func TestTextMarkerCarriesSubtaskNoLog(t *testing.T) {
	f := newFixture(t)

	f.spawnScript(t, "t1", `printf '__TASK_LOG_TEXT__:{"content":"working","subtask_id":"s1"}\n'`)
	f.waitExit(t, 1)

	var found bool
	for _, p := range f.col.progressPayloads() {
		if p.Message == "working" && p.CurrentSubtask == "s1" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Empty(t, f.col.byType(events.TaskLog), "marker-only output produces no log events")
}

func TestTerminalProgressOnSuccess(t *testing.T) {
	f := newFixture(t)

	f.spawnScript(t, "t1", `printf '__TASK_LOG_PHASE_START__:{"phase":"coding"}\n'`)
	f.waitExit(t, 1)
	f.sup.Wait()

	progress := f.col.progressPayloads()
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, "complete", last.Phase)
	assert.Equal(t, 100, last.OverallProgress)
}

func TestNonzeroExitFailsRun(t *testing.T) {
	f := newFixture(t)

	f.spawnScript(t, "t1", `printf '__TASK_LOG_PHASE_START__:{"phase":"coding"}\n'; exit 3`)
	f.waitExit(t, 1)
	f.sup.Wait()

	exits := f.col.exitPayloads()
	require.Len(t, exits, 1)
	assert.Equal(t, 3, exits[0].ExitCode)

	progress := f.col.progressPayloads()
	last := progress[len(progress)-1]
	assert.Equal(t, "failed", last.Phase)
}

func TestSpawnFailureEmitsErrorEvent(t *testing.T) {
	f := newFixture(t)

	f.sup.manifest = &engine.Manifest{Engines: []engine.Engine{
		{Name: "missing", Command: "/nonexistent/agent-binary", Markers: true},
	}}

	err := f.sup.Spawn(context.Background(), SpawnRequest{
		TaskID: "t2",
		Cwd:    t.TempDir(),
		Engine: "missing",
		Kind:   KindTaskExecution,
	})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return len(f.col.byType(events.TaskError)) > 0
	}, 5*time.Second, 20*time.Millisecond)

	var failed bool
	for _, p := range f.col.progressPayloads() {
		if p.TaskID == "t2" && p.Phase == "failed" {
			failed = true
		}
	}
	assert.True(t, failed, "launch failure publishes a failed-phase progress event")
}

func TestKillSuppressesExit(t *testing.T) {
	f := newFixture(t)

	f.spawnScript(t, "t1", `sleep 60`)
	assert.True(t, f.sup.Kill("t1"))
	assert.False(t, f.sup.Kill("t1"), "second kill finds no live run")

	f.sup.Wait()
	assert.Empty(t, f.col.exitPayloads(), "killed spawn's exit is swallowed")
}

func TestRespawnRaceReportsOnlyNewSpawn(t *testing.T) {
	f := newFixture(t)

	// Spawn A (long-lived), immediately replace it with B for the same
	// task id. Only B's exit may surface.
	f.spawnScript(t, "t1", `sleep 60`)
	f.spawnScript(t, "t1", `printf 'from-b\n'; exit 0`)

	f.waitExit(t, 1)
	f.sup.Wait()

	exits := f.col.exitPayloads()
	require.Len(t, exits, 1, "exactly one exit event despite two spawns")
	assert.Equal(t, 0, exits[0].ExitCode)

	var sawB bool
	for _, e := range f.col.byType(events.TaskLog) {
		if e.Data.(events.LogPayload).Text == "from-b" {
			sawB = true
		}
	}
	assert.True(t, sawB)
}

func TestRateLimitSingleHopSwapAndRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spare, err := f.profiles.Create(ctx, "Spare", "", "")
	require.NoError(t, err)

	// Exits rate-limited every time: the swap must happen exactly once.
	f.spawnScript(t, "t1", `printf 'Claude AI usage limit reached|1754054400\n'; exit 1`)

	f.waitExit(t, 2)
	f.sup.Wait()

	swaps := f.col.byType(events.TaskProfileSwap)
	require.Len(t, swaps, 1, "single-hop swap, not a retry loop")
	sp := swaps[0].Data.(events.ProfileSwapPayload)
	assert.Equal(t, profile.DefaultProfileID, sp.FromProfile)
	assert.Equal(t, spare.ID, sp.ToProfile)

	active, err := f.profiles.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, spare.ID, active.ID)

	// Both the original and the restarted run hit the limit.
	rls := f.col.byType(events.TaskRateLimit)
	require.Len(t, rls, 2)

	original, err := f.profiles.Get(ctx, profile.DefaultProfileID)
	require.NoError(t, err)
	assert.NotEmpty(t, original.RateLimits, "limit recorded against the profile that hit it")

	assert.Len(t, f.col.exitPayloads(), 2)
}

func TestRateLimitWithoutAlternativeNoSwap(t *testing.T) {
	f := newFixture(t)

	f.spawnScript(t, "t1", `printf 'error: too many requests\n'; exit 1`)
	f.waitExit(t, 1)
	f.sup.Wait()

	assert.Empty(t, f.col.byType(events.TaskProfileSwap))
	require.Len(t, f.col.byType(events.TaskRateLimit), 1)
	rl := f.col.byType(events.TaskRateLimit)[0].Data.(events.RateLimitPayload)
	assert.Empty(t, rl.Alternative)
}

func TestAuthFailureDistinctFromRateLimit(t *testing.T) {
	f := newFixture(t)

	f.spawnScript(t, "t1", `printf 'API Error: OAuth token has expired\n'; exit 1`)
	f.waitExit(t, 1)
	f.sup.Wait()

	require.Len(t, f.col.byType(events.TaskAuthFailure), 1)
	assert.Empty(t, f.col.byType(events.TaskRateLimit))

	af := f.col.byType(events.TaskAuthFailure)[0].Data.(events.AuthFailurePayload)
	assert.Equal(t, profile.DefaultProfileID, af.ProfileID)
}

func TestHeuristicEngineInfersPhases(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sup.Spawn(context.Background(), SpawnRequest{
		TaskID: "t1",
		Cwd:    t.TempDir(),
		Engine: "sh-plain",
		Args:   []string{"-c", `printf 'Implementing subtask 3\nRunning QA validation\n'`},
		Kind:   KindTaskExecution,
	}))
	f.waitExit(t, 1)
	f.sup.Wait()

	phases := make(map[string]bool)
	for _, p := range f.col.progressPayloads() {
		phases[p.Phase] = true
	}
	assert.True(t, phases["coding"])
	assert.True(t, phases["qa_review"])
}

func TestKillAll(t *testing.T) {
	f := newFixture(t)

	f.spawnScript(t, "t1", `sleep 60`)
	f.spawnScript(t, "t2", `sleep 60`)
	f.sup.KillAll()
	f.sup.Wait()

	assert.Empty(t, f.col.exitPayloads())
}

func TestCleanExitClearsExpiredRateLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.profiles.RecordRateLimit(ctx, profile.DefaultProfileID, profile.RateLimitEvent{
		Kind:     "session",
		ResetsAt: time.Now().UTC().Add(-time.Hour),
	}))

	f.spawnScript(t, "t1", `printf 'all done\n'`)
	f.waitExit(t, 1)
	f.sup.Wait()

	p, err := f.profiles.Get(ctx, profile.DefaultProfileID)
	require.NoError(t, err)
	assert.Empty(t, p.RateLimits, "a clean run drops the profile's expired limits")
}
