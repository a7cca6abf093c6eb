package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Each subscription owns a queue drained by a single
// goroutine, so a slow subscriber never blocks the publisher while
// every subscriber still observes events in publish order. Ordering
// matters to consumers: the exit event must be the last thing a
// subscriber sees for a spawn.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
	logger *logger.Logger
}

type queuedEvent struct {
	ctx     context.Context
	subject string
	event   *Event
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler Handler

	mu     sync.Mutex
	active bool
	queue  []queuedEvent
	wake   chan struct{}
	done   chan struct{}
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memorySubscription),
		logger: log,
	}
}

// Publish enqueues the event for every subscription whose pattern
// matches. It never blocks on handlers.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, subs := range b.subs {
		for _, sub := range subs {
			if sub.matches(subject) {
				sub.enqueue(ctx, subject, event)
			}
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[subject] = append(b.subs[subject], sub)
	go sub.deliver()
	return sub, nil
}

// Close deactivates all subscriptions and stops their delivery
// goroutines. Undelivered events are dropped.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// enqueue appends the event to the subscription's queue and wakes the
// delivery goroutine. Queue order is publish order.
func (s *memorySubscription) enqueue(ctx context.Context, subject string, event *Event) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, queuedEvent{ctx: ctx, subject: subject, event: event})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver drains the queue in order. The single goroutine is the
// ordering guarantee: handler call N returns before call N+1 starts.
func (s *memorySubscription) deliver() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if err := s.handler(next.ctx, next.event); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", next.subject),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	if s.active {
		s.active = false
		close(s.done)
	}
	s.mu.Unlock()
}

func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) matches(subject string) bool {
	if s.pattern == nil {
		return subject == s.subject
	}
	return s.pattern.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regexp. Patterns without
// wildcards return nil and are matched exactly.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
