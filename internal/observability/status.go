package observability

import (
	"sync"
	"time"
)

type Role string

const (
	RoleIdle       Role = "IDLE"
	RoleRecording  Role = "RECORDING"
	RoleReplaying  Role = "REPLAYING"
	RoleConversing Role = "CONVERSING"
)

// SystemStatus is what the live dashboard shows. Runs are counted rather
// than tracked one by one since several flows may replay at once.
type SystemStatus struct {
	mu            sync.RWMutex
	CurrentRole   Role
	ActiveTask    string
	ActiveRuns    int
	RunsSucceeded int
	RunsFailed    int
	LastHeartbeat time.Time
}

// Snapshot is a copy of SystemStatus without the lock.
type Snapshot struct {
	Role          Role
	ActiveTask    string
	ActiveRuns    int
	RunsSucceeded int
	RunsFailed    int
	LastHeartbeat time.Time
}

var globalStatus = &SystemStatus{
	CurrentRole:   RoleIdle,
	LastHeartbeat: time.Now(),
}

// SetStatus updates the global system status.
func SetStatus(role Role, task string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.CurrentRole = role
	globalStatus.ActiveTask = task
}

// BeginRun marks a flow replay as started.
func BeginRun(flowName string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.ActiveRuns++
	globalStatus.CurrentRole = RoleReplaying
	globalStatus.ActiveTask = flowName
}

// EndRun records the outcome of a replay and drops back to idle once no
// replay is left.
func EndRun(ok bool) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	if globalStatus.ActiveRuns > 0 {
		globalStatus.ActiveRuns--
	}
	if ok {
		globalStatus.RunsSucceeded++
	} else {
		globalStatus.RunsFailed++
	}
	if globalStatus.ActiveRuns == 0 && globalStatus.CurrentRole == RoleReplaying {
		globalStatus.CurrentRole = RoleIdle
		globalStatus.ActiveTask = ""
	}
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() Snapshot {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return Snapshot{
		Role:          globalStatus.CurrentRole,
		ActiveTask:    globalStatus.ActiveTask,
		ActiveRuns:    globalStatus.ActiveRuns,
		RunsSucceeded: globalStatus.RunsSucceeded,
		RunsFailed:    globalStatus.RunsFailed,
		LastHeartbeat: globalStatus.LastHeartbeat,
	}
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
