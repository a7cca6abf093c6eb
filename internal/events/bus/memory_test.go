package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/internal/common/logger"
)

type recorder struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recorder) handler(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, e.Type)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

func TestMemoryBusWildcards(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"task.log.t1", "task.log.t1", true},
		{"task.log.t1", "task.log.t2", false},
		{"task.log.*", "task.log.t1", true},
		{"task.log.*", "task.log.t1.extra", false},
		{"task.*.t1", "task.log.t1", true},
		{"task.>", "task.log.t1", true},
		{"task.>", "task.exit.t2.more", true},
		{"task.>", "task", false},
		{"other.*", "task.log.t1", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			b := NewMemoryEventBus(logger.Default())
			defer b.Close()

			rec := &recorder{}
			_, err := b.Subscribe(tt.pattern, rec.handler)
			require.NoError(t, err)

			require.NoError(t, b.Publish(context.Background(), tt.subject, NewEvent("test", nil)))

			if tt.match {
				require.Eventually(t, func() bool { return rec.count() == 1 },
					time.Second, 5*time.Millisecond)
			} else {
				time.Sleep(20 * time.Millisecond)
				assert.Zero(t, rec.count())
			}
		})
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	sub, err := b.Subscribe("a.b", rec.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "a.b", NewEvent("test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "a", NewEvent("test", nil)))
	_, err := b.Subscribe("a", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}

func TestMemoryBusDeliversInPublishOrder(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe("task.>", func(_ context.Context, e *Event) error {
		// A slow handler must not let later events overtake earlier ones.
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 50; i++ {
		typ := fmt.Sprintf("evt-%02d", i)
		want = append(want, typ)
		require.NoError(t, b.Publish(context.Background(), "task.log.t1", NewEvent(typ, nil)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestMemoryBusExitObservedAfterLogs(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var logs int
	var logsAtExit = -1
	_, err := b.Subscribe("task.>", func(_ context.Context, e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		if e.Type == "task.exit" {
			logsAtExit = logs
			return nil
		}
		time.Sleep(time.Millisecond)
		logs++
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(context.Background(), "task.log.t1", NewEvent("task.log", nil)))
	}
	require.NoError(t, b.Publish(context.Background(), "task.exit.t1", NewEvent("task.exit", nil)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return logsAtExit >= 0
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, logsAtExit, "exit handler ran before all preceding logs were delivered")
}
