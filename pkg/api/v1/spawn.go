package v1

import "encoding/json"

// SpawnStatus is the lifecycle status of a spawn queue item.
type SpawnStatus string

const (
	SpawnStatusPending  SpawnStatus = "pending"
	SpawnStatusApproved SpawnStatus = "approved"
	SpawnStatusRejected SpawnStatus = "rejected"
	SpawnStatusSpawned  SpawnStatus = "spawned"
)

// Terminal reports whether the status admits no further transitions.
func (s SpawnStatus) Terminal() bool {
	return s == SpawnStatusRejected || s == SpawnStatusSpawned
}

// SpawnQueueItem is a pending spawn request gated by priority and dependencies.
type SpawnQueueItem struct {
	ID              string          `json:"id"`
	RequesterHandle string          `json:"requester_handle"`
	TargetAgentType string          `json:"target_agent_type"`
	DepthLevel      int             `json:"depth_level"`
	Priority        Priority        `json:"priority"`
	Status          SpawnStatus     `json:"status"`
	Task            string          `json:"task"`
	Context         json.RawMessage `json:"context,omitempty"`
	Checkpoint      json.RawMessage `json:"checkpoint,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	BlockedByCount  int             `json:"blocked_by_count"`
	CreatedAt       int64           `json:"created_at"`
	ProcessedAt     int64           `json:"processed_at,omitempty"`
	SpawnedWorkerID string          `json:"spawned_worker_id,omitempty"`
}

// SpawnQueueStats aggregates queue counts for the status endpoint.
type SpawnQueueStats struct {
	Ready      int            `json:"ready"`
	Blocked    int            `json:"blocked"`
	ByStatus   map[string]int `json:"by_status"`
	ByPriority map[string]int `json:"by_priority"`
}
