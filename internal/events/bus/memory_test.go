package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmd/swarmd/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe(string(TagWorkerSpawned), func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent(TagWorkerSpawned, map[string]any{"handle": "scout-1"})
	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.String("handle") != "scout-1" {
			t.Errorf("Expected handle scout-1, got %s", e.String("handle"))
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_UnknownTagRejected(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	event := NewEvent(Tag("made.up"), nil)
	if err := bus.Publish(context.Background(), event); err == nil {
		t.Error("Expected error for unknown tag")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe(string(TagSwarmCreated), func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	if err := bus.Publish(ctx, NewEvent(TagSwarmCreated, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 handlers to be called, got %d", count)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe(string(TagSpawnEnqueued), func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, NewEvent(TagSpawnEnqueued, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, NewEvent(TagSpawnEnqueued, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 handler call, got %d", count)
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("worker.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, NewEvent(TagWorkerSpawned, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent(TagWorkerDismissed, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// Different prefix, should not match.
	if err := bus.Publish(ctx, NewEvent(TagWorkflowStarted, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("Expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe(">", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, NewEvent(TagWorkerStateChanged, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent(TagWorkflowStepCompleted, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent(TagTriggerFired, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 events received, got %d", count)
	}
}

func TestMemoryEventBus_WildcardNoMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("spawn.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, NewEvent(TagBlackboardPosted, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected 0 events (no match), got %d", count)
	}
}

func TestMemoryEventBus_PublisherNeverBlocks(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	gate := make(chan struct{})
	var blocked sync.WaitGroup
	blocked.Add(1)
	var once sync.Once

	sub, err := bus.Subscribe(string(TagWorkerOutput), func(ctx context.Context, event *Event) error {
		once.Do(blocked.Done)
		<-gate
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Hold the handler so the inbox fills behind it.
	if err := bus.Publish(ctx, NewEvent(TagWorkerOutput, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	blocked.Wait()

	// Publish far more than the inbox can hold; each call must return promptly.
	start := time.Now()
	total := defaultInboxSize * 2
	for i := 0; i < total; i++ {
		if err := bus.Publish(ctx, NewEvent(TagWorkerOutput, map[string]any{"seq": i})); err != nil {
			t.Fatalf("Publish failed at %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Publishing with a stuck subscriber took %v", elapsed)
	}
	close(gate)
}

func TestMemoryEventBus_SlowSubscriberLagMarker(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	gate := make(chan struct{})
	var mu sync.Mutex
	var delivered []*Event
	first := make(chan struct{})
	var once sync.Once

	sub, err := bus.Subscribe(string(TagWorkerOutput), func(ctx context.Context, event *Event) error {
		once.Do(func() { close(first) })
		<-gate
		mu.Lock()
		delivered = append(delivered, event)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, NewEvent(TagWorkerOutput, map[string]any{"seq": -1})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-first

	// Overfill the inbox while the handler is stuck.
	total := defaultInboxSize + 50
	for i := 0; i < total; i++ {
		if err := bus.Publish(ctx, NewEvent(TagWorkerOutput, map[string]any{"seq": i})); err != nil {
			t.Fatalf("Publish failed at %d: %v", i, err)
		}
	}
	close(gate)

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		// 1 in-flight + 1 lag marker + the events still in the inbox.
		if n >= 2+defaultInboxSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for delivery, got %d events", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()

	var lagged int
	var droppedReported int64
	for _, e := range delivered {
		if e.Tag == TagLagged {
			lagged++
			if n, ok := e.Data["dropped"].(int64); ok {
				droppedReported += n
			}
		}
	}
	if lagged != 1 {
		t.Fatalf("Expected exactly 1 lag marker, got %d", lagged)
	}
	if droppedReported != 50 {
		t.Errorf("Expected 50 dropped reported, got %d", droppedReported)
	}

	// Everything after the lag marker must be the newest events, still in order.
	var seqs []int
	past := false
	for _, e := range delivered {
		if e.Tag == TagLagged {
			past = true
			continue
		}
		if past {
			seqs = append(seqs, int(e.Data["seq"].(int)))
		}
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("Out-of-order delivery after lag marker: %d then %d", seqs[i-1], seqs[i])
		}
	}
	if len(seqs) > 0 && seqs[len(seqs)-1] != total-1 {
		t.Errorf("Expected newest event seq %d last, got %d", total-1, seqs[len(seqs)-1])
	}

	stats := bus.Stats()
	if stats.Dropped != 50 {
		t.Errorf("Expected stats.Dropped 50, got %d", stats.Dropped)
	}
}

func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)
	done := make(chan struct{})

	sub, err := bus.Subscribe(string(TagBlackboardPosted), func(ctx context.Context, event *Event) error {
		seq := event.Data["seq"].(int)
		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		if len(receivedOrder) == numEvents {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEvents; i++ {
		if err := bus.Publish(ctx, NewEvent(TagBlackboardPosted, map[string]any{"seq": i})); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range receivedOrder {
		if seq != i {
			t.Fatalf("Ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}

func TestMemoryEventBus_HandlerPanicIsolated(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan struct{}, 2)

	panicSub, err := bus.Subscribe(string(TagSwarmKilled), func(ctx context.Context, event *Event) error {
		panic("handler exploded")
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = panicSub.Unsubscribe()
	}()

	okSub, err := bus.Subscribe(string(TagSwarmKilled), func(ctx context.Context, event *Event) error {
		received <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = okSub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, NewEvent(TagSwarmKilled, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent(TagSwarmKilled, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("Healthy subscriber starved by panicking peer")
		}
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var receivedCount int32
	var publishErrorCount int32
	var wg sync.WaitGroup

	sub, err := bus.Subscribe(string(TagWorkerStateChanged), func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&receivedCount, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	numGoroutines := 10
	eventsPerGoroutine := 20

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				if err := bus.Publish(ctx, NewEvent(TagWorkerStateChanged, nil)); err != nil {
					atomic.AddInt32(&publishErrorCount, 1)
				}
			}
		}()
	}

	wg.Wait()
	if publishErrorCount > 0 {
		t.Errorf("publish errors: %d", publishErrorCount)
	}
	time.Sleep(200 * time.Millisecond)

	expectedCount := int32(numGoroutines * eventsPerGoroutine)
	if atomic.LoadInt32(&receivedCount) != expectedCount {
		t.Errorf("Expected %d events, got %d", expectedCount, receivedCount)
	}
}

func TestMemoryEventBus_Stats(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	sub, err := bus.Subscribe(">", func(ctx context.Context, event *Event) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, NewEvent(TagTriggerFired, nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := bus.Publish(ctx, NewEvent(TagSwarmCreated, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	stats := bus.Stats()
	if stats.Published != 4 {
		t.Errorf("Expected 4 published, got %d", stats.Published)
	}
	if stats.SubscriberCount != 1 {
		t.Errorf("Expected 1 subscriber, got %d", stats.SubscriberCount)
	}
	if stats.PerTag[string(TagTriggerFired)] != 3 {
		t.Errorf("Expected 3 trigger.fired, got %d", stats.PerTag[string(TagTriggerFired)])
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, NewEvent(TagWorkerSpawned, nil)); err == nil {
		t.Error("Expected error when publishing to closed bus")
	}

	_, err := bus.Subscribe(string(TagWorkerSpawned), func(ctx context.Context, event *Event) error {
		return nil
	})
	if err == nil {
		t.Error("Expected error when subscribing to closed bus")
	}
}

func TestNewEventFields(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent(TagWorkerSpawned, map[string]any{"handle": "scout-1"})
	after := time.Now().UTC()

	if event.ID == "" {
		t.Error("Expected event ID to be set")
	}
	if event.Tag != TagWorkerSpawned {
		t.Errorf("Expected tag %s, got %s", TagWorkerSpawned, event.Tag)
	}
	if event.String("handle") != "scout-1" {
		t.Errorf("Expected handle scout-1, got %s", event.String("handle"))
	}
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Error("Expected timestamp to be set correctly")
	}
}
