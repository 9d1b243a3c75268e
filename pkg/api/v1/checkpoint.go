package v1

// CheckpointStatus is the acceptance status of a session handoff.
type CheckpointStatus string

const (
	CheckpointStatusPending  CheckpointStatus = "pending"
	CheckpointStatusAccepted CheckpointStatus = "accepted"
	CheckpointStatusRejected CheckpointStatus = "rejected"
)

// Checkpoint is a structured session-handoff record between two handles.
type Checkpoint struct {
	ID              string           `json:"id"`
	FromHandle      string           `json:"from_handle"`
	ToHandle        string           `json:"to_handle"`
	Status          CheckpointStatus `json:"status"`
	Goal            string           `json:"goal"`
	Now             string           `json:"now"`
	Test            string           `json:"test,omitempty"`
	DoneThisSession []string         `json:"done_this_session,omitempty"`
	Blockers        []string         `json:"blockers,omitempty"`
	Questions       []string         `json:"questions,omitempty"`
	Next            []string         `json:"next,omitempty"`
	Files           []string         `json:"files,omitempty"`
	CreatedAt       int64            `json:"created_at"`
	ResolvedAt      int64            `json:"resolved_at,omitempty"`
}
