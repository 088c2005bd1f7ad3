package host

// State is the device connection and job state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateIdle         State = "idle"
	StateMarking      State = "marking"
	StatePaused       State = "paused"
	StateMarkComplete State = "mark_complete"
)

// linked reports whether the board link is up in s.
func (s State) linked() bool {
	switch s {
	case StateConnected, StateIdle, StateMarking, StatePaused, StateMarkComplete:
		return true
	default:
		return false
	}
}

// DeviceStatus is the host's view of its board.
type DeviceStatus struct {
	IsConnected      bool   `json:"isConnected"`
	IsMarking        bool   `json:"isMarking"`
	LastError        string `json:"lastError"`
	IsMarkFinish     bool   `json:"isMarkFinish"`
	WorkingStatus    State  `json:"workingStatus"`
	MarkProgress     int    `json:"markProgress"`
	DownloadProgress int    `json:"downloadProgress"`
	IsDownloadFinish bool   `json:"isDownloadFinish"`
}

func defaultStatus() DeviceStatus {
	return DeviceStatus{WorkingStatus: StateDisconnected}
}
