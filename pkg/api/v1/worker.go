// Package v1 contains the shared API types for swarmd.
package v1

import "regexp"

// WorkerState is the lifecycle state of a worker.
type WorkerState string

const (
	WorkerStateStarting WorkerState = "starting"
	WorkerStateReady    WorkerState = "ready"
	WorkerStateWorking  WorkerState = "working"
	WorkerStateStopping WorkerState = "stopping"
	WorkerStateStopped  WorkerState = "stopped"
)

// Terminal reports whether the state admits no further transitions.
func (s WorkerState) Terminal() bool {
	return s == WorkerStateStopped
}

// WorkerHealth is the health axis, independent of lifecycle state.
type WorkerHealth string

const (
	WorkerHealthHealthy   WorkerHealth = "healthy"
	WorkerHealthUnhealthy WorkerHealth = "unhealthy"
	WorkerHealthUnknown   WorkerHealth = "unknown"
)

// SpawnMode selects how the worker's child program is run.
type SpawnMode string

const (
	SpawnModeProcess  SpawnMode = "process"  // plain pipes
	SpawnModePty      SpawnMode = "pty"      // pseudo-terminal
	SpawnModeTmux     SpawnMode = "tmux"     // detached tmux session
	SpawnModeExternal SpawnMode = "external" // registered, not child-managed
)

// Worker is a supervised subprocess agent.
type Worker struct {
	ID            string       `json:"id"`
	Handle        string       `json:"handle"`
	TeamName      string       `json:"team_name,omitempty"`
	SwarmID       string       `json:"swarm_id,omitempty"`
	DepthLevel    int          `json:"depth_level"`
	State         WorkerState  `json:"state"`
	Health        WorkerHealth `json:"health"`
	SpawnMode     SpawnMode    `json:"spawn_mode"`
	WorkingDir    string       `json:"working_dir,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	RestartCount  int          `json:"restart_count"`
	SpawnedAt     int64        `json:"spawned_at"` // millisecond epoch
}

// OutputLine is one captured line of worker output.
type OutputLine struct {
	Timestamp int64  `json:"timestamp"` // millisecond epoch
	Stream    string `json:"stream"`    // "stdout" or "stderr"
	Content   string `json:"content"`
}

// RoutingRecommendation is the hint returned by the external task classifier.
type RoutingRecommendation struct {
	Complexity string  `json:"complexity"`
	Strategy   string  `json:"strategy"`
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence"`
}

var (
	handleRe  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	swarmIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
)

// ValidHandle reports whether s is a legal worker handle or team name.
func ValidHandle(s string) bool {
	return handleRe.MatchString(s)
}

// ValidSwarmID reports whether s is a legal swarm identifier.
func ValidSwarmID(s string) bool {
	return swarmIDRe.MatchString(s)
}
