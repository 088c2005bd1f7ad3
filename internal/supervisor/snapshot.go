package supervisor

import (
	"slices"
	"time"

	"github.com/nerrad567/boardfleet/internal/registry"
)

// State is the lifecycle state of one service.
type State string

// Service states.
const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// Snapshot is a point-in-time view of one service.
type Snapshot struct {
	ID                 string     `json:"id"`
	ExecutablePath     string     `json:"path"`
	BaseURL            string     `json:"url"`
	StartupArguments   []string   `json:"startupArguments"`
	IsRunning          bool       `json:"isRunning"`
	ProcessID          int        `json:"processId"`
	AutoRestartEnabled bool       `json:"autoRestartEnabled"`
	InstanceID         string     `json:"instanceId,omitempty"`
	State              State      `json:"state"`
	RestartCount       int        `json:"restartCount"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	LastExit           string     `json:"lastExit,omitempty"`
}

func newSnapshot(d registry.Descriptor) Snapshot {
	args := slices.Clone(d.StartupArguments)
	if args == nil {
		args = []string{}
	}
	return Snapshot{
		ID:               d.ID,
		ExecutablePath:   d.ExecutablePath,
		BaseURL:          d.BaseURL,
		StartupArguments: args,
		State:            StateStopped,
	}
}
