// Package bus provides the in-process event bus for swarmd.
//
// Publishers never block: each subscriber owns a bounded inbox drained by a
// dedicated goroutine, and the oldest events are dropped (with a single lag
// marker) when a subscriber falls behind.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tag identifies a coordination event. The set is closed; subscribers use
// NATS-style patterns ("worker.*", ">") to match groups of tags.
type Tag string

const (
	TagWorkerSpawned      Tag = "worker.spawned"
	TagWorkerDismissed    Tag = "worker.dismissed"
	TagWorkerStateChanged Tag = "worker.state_changed"
	TagWorkerOutput       Tag = "worker.output"
	TagWorkerRestarted    Tag = "worker.restarted"

	TagSwarmCreated Tag = "swarm.created"
	TagSwarmKilled  Tag = "swarm.killed"

	TagBlackboardPosted   Tag = "blackboard.posted"
	TagBlackboardArchived Tag = "blackboard.archived"

	TagSpawnEnqueued  Tag = "spawn.enqueued"
	TagSpawnApproved  Tag = "spawn.approved"
	TagSpawnRejected  Tag = "spawn.rejected"
	TagSpawnFulfilled Tag = "spawn.fulfilled"

	TagWorkflowStarted       Tag = "workflow.started"
	TagWorkflowStepReady     Tag = "workflow.step_ready"
	TagWorkflowStepStarted   Tag = "workflow.step_started"
	TagWorkflowStepCompleted Tag = "workflow.step_completed"
	TagWorkflowStepFailed    Tag = "workflow.step_failed"
	TagWorkflowCompleted     Tag = "workflow.completed"
	TagWorkflowFailed        Tag = "workflow.failed"
	TagWorkflowPaused        Tag = "workflow.paused"
	TagWorkflowResumed       Tag = "workflow.resumed"
	TagWorkflowCancelled     Tag = "workflow.cancelled"
	TagWorkflowDeadlock      Tag = "workflow.deadlock"

	TagTriggerFired Tag = "trigger.fired"

	// TagLagged is delivered once to a subscriber after its inbox overflowed.
	// Data carries {"dropped": n}.
	TagLagged Tag = "bus.lagged"
)

// knownTags is the closed set of publishable tags.
var knownTags = map[Tag]struct{}{
	TagWorkerSpawned: {}, TagWorkerDismissed: {}, TagWorkerStateChanged: {},
	TagWorkerOutput: {}, TagWorkerRestarted: {},
	TagSwarmCreated: {}, TagSwarmKilled: {},
	TagBlackboardPosted: {}, TagBlackboardArchived: {},
	TagSpawnEnqueued: {}, TagSpawnApproved: {}, TagSpawnRejected: {}, TagSpawnFulfilled: {},
	TagWorkflowStarted: {}, TagWorkflowStepReady: {}, TagWorkflowStepStarted: {},
	TagWorkflowStepCompleted: {}, TagWorkflowStepFailed: {}, TagWorkflowCompleted: {},
	TagWorkflowFailed: {}, TagWorkflowPaused: {}, TagWorkflowResumed: {},
	TagWorkflowCancelled: {}, TagWorkflowDeadlock: {},
	TagTriggerFired: {},
}

// Known reports whether t is in the closed tag set.
func Known(t Tag) bool {
	_, ok := knownTags[t]
	return ok
}

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Tag       Tag            `json:"tag"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(tag Tag, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Tag:       tag,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// String extracts a string field from the event data ("" when absent).
func (e *Event) String(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// EventHandler is invoked for each delivered event. Errors are logged and
// isolated; they never affect other subscribers or the publisher.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Stats aggregates bus activity counters.
type Stats struct {
	Published       int64            `json:"published"`
	SubscriberCount int              `json:"subscriber_count"`
	PerTag          map[string]int64 `json:"per_tag"`
	Dropped         int64            `json:"dropped"`
}

// EventBus is the pub/sub contract shared by the in-memory and NATS backends.
type EventBus interface {
	// Publish delivers an event to all matching subscribers without blocking.
	Publish(ctx context.Context, event *Event) error

	// Subscribe creates a subscription to a tag pattern ("worker.*", ">").
	Subscribe(pattern string, handler EventHandler) (Subscription, error)

	// Stats returns activity counters.
	Stats() Stats

	// Close shuts the bus down; pending inboxes are drained best-effort.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
