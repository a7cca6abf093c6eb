package worktree

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/appctx"
	"github.com/agentrun/agentrun/internal/common/logger"
)

const (
	trackerAttempts = 3
	trackerTimeout  = 5 * time.Second
	trackerBackoff  = 200 * time.Millisecond
)

// tracker records staged-change attributions as a fire-and-forget side
// channel: a successful stage-only merge must never fail because the
// bookkeeping write did.
type tracker struct {
	store  Store
	stopCh chan struct{}
	logger *logger.Logger
}

func newTracker(store Store, log *logger.Logger) *tracker {
	return &tracker{
		store:  store,
		stopCh: make(chan struct{}),
		logger: log.WithFields(zap.String("component", "staged-change-tracker")),
	}
}

// Record persists the staged file list for a spec in the background,
// retrying a bounded number of times. The caller's context is not used:
// the write should survive the merge request that triggered it.
func (t *tracker) Record(taskID, specID string, files []string) {
	if len(files) == 0 {
		return
	}
	sc := &StagedChange{
		ID:     uuid.New().String(),
		TaskID: taskID,
		SpecID: specID,
		Files:  files,
	}

	go func() {
		var lastErr error
		for attempt := 1; attempt <= trackerAttempts; attempt++ {
			ctx, cancel := appctx.Detached(t.stopCh, trackerTimeout)
			lastErr = t.store.RecordStagedChange(ctx, sc)
			cancel()
			if lastErr == nil {
				return
			}

			select {
			case <-t.stopCh:
				return
			case <-time.After(trackerBackoff * time.Duration(attempt)):
			}
		}
		t.logger.Warn("staged-change tracking failed",
			zap.String("spec_id", specID),
			zap.Int("attempts", trackerAttempts),
			zap.Error(lastErr))
	}()
}

// Close stops in-flight tracking retries.
func (t *tracker) Close() {
	close(t.stopCh)
}
