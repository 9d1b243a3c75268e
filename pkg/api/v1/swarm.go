package v1

import "encoding/json"

// Swarm is a logical grouping of workers sharing a blackboard.
type Swarm struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MaxAgents   int    `json:"max_agents"`
	CreatedAt   int64  `json:"created_at"`
	KilledAt    int64  `json:"killed_at,omitempty"`
}

// MessageType classifies a blackboard message.
type MessageType string

const (
	MessageTypeRequest    MessageType = "request"
	MessageTypeResponse   MessageType = "response"
	MessageTypeStatus     MessageType = "status"
	MessageTypeDirective  MessageType = "directive"
	MessageTypeCheckpoint MessageType = "checkpoint"
)

// Priority orders queue items and blackboard messages.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityRank maps priorities to fixed ranks (higher = first).
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// BlackboardMessage is one entry in a swarm's shared message log.
type BlackboardMessage struct {
	ID           string          `json:"id"`
	SwarmID      string          `json:"swarm_id"`
	SenderHandle string          `json:"sender_handle"`
	MessageType  MessageType     `json:"message_type"`
	TargetHandle string          `json:"target_handle,omitempty"` // empty = broadcast
	Priority     Priority        `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    int64           `json:"created_at"`
	ArchivedAt   int64           `json:"archived_at,omitempty"`
	ReadBy       []string        `json:"read_by,omitempty"`
}
