package bus

import (
	"container/list"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/logger"
)

// defaultInboxSize is the bounded per-subscriber queue depth.
const defaultInboxSize = 256

// MemoryEventBus implements EventBus with per-subscriber bounded inboxes.
type MemoryEventBus struct {
	subscriptions []*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool

	statsMu   sync.Mutex
	published int64
	perTag    map[string]int64
	dropped   int64
}

// memorySubscription owns a bounded inbox drained by one goroutine.
type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	regex   *regexp.Regexp // nil for exact match
	handler EventHandler

	mu      sync.Mutex
	inbox   *list.List // of *Event, bounded
	limit   int
	dropped int64 // drops since the last lag marker
	wake    chan struct{}
	active  bool
	done    chan struct{}
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log.WithFields(zap.String("component", "event_bus")),
		perTag: make(map[string]int64),
	}
}

// Publish delivers an event to all matching subscribers. It never blocks: a
// full inbox drops its oldest event and the subscriber later receives one
// TagLagged marker before normal delivery resumes.
func (b *MemoryEventBus) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}
	if !Known(event.Tag) {
		return fmt.Errorf("unknown event tag %q", event.Tag)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	subs := b.subscriptions
	b.mu.RUnlock()

	var droppedNow int64
	for _, sub := range subs {
		if !matches(string(event.Tag), sub.pattern, sub.regex) {
			continue
		}
		droppedNow += sub.enqueue(event)
	}

	b.statsMu.Lock()
	b.published++
	b.perTag[string(event.Tag)]++
	b.dropped += droppedNow
	b.statsMu.Unlock()

	b.logger.Debug("published event",
		zap.String("tag", string(event.Tag)),
		zap.String("event_id", event.ID))
	return nil
}

// Subscribe creates a subscription to a tag pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		regex:   compilePattern(pattern),
		handler: handler,
		inbox:   list.New(),
		limit:   defaultInboxSize,
		wake:    make(chan struct{}, 1),
		active:  true,
		done:    make(chan struct{}),
	}
	b.subscriptions = append(b.subscriptions, sub)
	go sub.drain()

	b.logger.Debug("subscribed", zap.String("pattern", pattern))
	return sub, nil
}

// Stats returns activity counters.
func (b *MemoryEventBus) Stats() Stats {
	b.mu.RLock()
	count := 0
	for _, sub := range b.subscriptions {
		if sub.IsValid() {
			count++
		}
	}
	b.mu.RUnlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	perTag := make(map[string]int64, len(b.perTag))
	for k, v := range b.perTag {
		perTag[k] = v
	}
	return Stats{
		Published:       b.published,
		SubscriberCount: count,
		PerTag:          perTag,
		Dropped:         b.dropped,
	}
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// enqueue appends an event to the inbox, dropping the oldest entry when full.
// Returns the number of events dropped by this call.
func (s *memorySubscription) enqueue(event *Event) int64 {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return 0
	}
	var dropped int64
	if s.inbox.Len() >= s.limit {
		if front := s.inbox.Front(); front != nil {
			s.inbox.Remove(front)
			s.dropped++
			dropped = 1
		}
	}
	s.inbox.PushBack(event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return dropped
}

// drain delivers queued events in order, inserting a lag marker after drops.
func (s *memorySubscription) drain() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			var event *Event
			if s.dropped > 0 {
				n := s.dropped
				s.dropped = 0
				event = NewEvent(TagLagged, map[string]any{"dropped": n})
			} else if front := s.inbox.Front(); front != nil {
				s.inbox.Remove(front)
				event = front.Value.(*Event)
			}
			s.mu.Unlock()

			if event == nil {
				break
			}
			s.deliver(event)
		}
	}
}

// deliver invokes the handler, isolating errors and panics.
func (s *memorySubscription) deliver(event *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("event handler panic",
				zap.String("pattern", s.pattern),
				zap.Any("panic", r))
		}
	}()
	if err := s.handler(context.Background(), event); err != nil {
		s.bus.logger.Error("event handler error",
			zap.String("pattern", s.pattern),
			zap.String("tag", string(event.Tag)),
			zap.Error(err))
	}
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.stop()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	close(s.done)
}

// matches checks if a tag matches a pattern.
// Supports NATS-style wildcards: * (single token) and > (multiple tokens).
func matches(tag, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return tag == pattern
	}
	if regex != nil {
		return regex.MatchString(tag)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
