package v1

import "encoding/json"

// TriggerType identifies the firing source of a trigger.
type TriggerType string

const (
	TriggerTypeEvent      TriggerType = "event"
	TriggerTypeSchedule   TriggerType = "schedule"
	TriggerTypeWebhook    TriggerType = "webhook"
	TriggerTypeBlackboard TriggerType = "blackboard"
)

// ValidTriggerType reports whether t is a known trigger type.
func ValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerTypeEvent, TriggerTypeSchedule, TriggerTypeWebhook, TriggerTypeBlackboard:
		return true
	}
	return false
}

// Trigger fires workflow executions from an external signal.
type Trigger struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	TriggerType TriggerType     `json:"trigger_type"`
	Config      json.RawMessage `json:"config,omitempty"`
	IsEnabled   bool            `json:"is_enabled"`
	LastFiredAt int64           `json:"last_fired_at,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// ScheduleTriggerConfig configures a schedule trigger.
// Either Cron or IntervalMs must be set.
type ScheduleTriggerConfig struct {
	Cron       string `json:"cron,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
}

// BlackboardTriggerConfig configures a blackboard trigger.
type BlackboardTriggerConfig struct {
	SwarmID     string      `json:"swarm_id"`
	MessageType MessageType `json:"message_type,omitempty"`
	Filter      string      `json:"filter,omitempty"` // substring match on payload
}

// EventTriggerConfig configures an event trigger.
type EventTriggerConfig struct {
	EventTag string `json:"event_tag"`
}

// WebhookDelivery is a pending webhook payload recorded by the HTTP surface
// and consumed by the trigger dispatcher.
type WebhookDelivery struct {
	ID         string          `json:"id"`
	TriggerID  string          `json:"trigger_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt int64           `json:"received_at"`
	ConsumedAt int64           `json:"consumed_at,omitempty"`
}
