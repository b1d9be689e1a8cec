package protocol

import "time"

// DefaultStaleThreshold is how long a status snapshot may go unrefreshed
// before a reader should treat it as unknown (spec.md §3), used whenever
// a caller has no configured threshold of its own (config.Daemon.StaleThresholdSec
// overrides this for readers that load the daemon config).
const DefaultStaleThreshold = 30 * time.Second

// DaemonStatus is published by the daemon and polled by clients.
type DaemonStatus struct {
	State       DaemonState `json:"state"`
	Message     string      `json:"message"`
	UpdatedAt   time.Time   `json:"updated_at"`

	OperationInProgress bool      `json:"operation_in_progress"`
	DaemonPID           int       `json:"daemon_pid"`
	DaemonInstanceID    string    `json:"daemon_instance_id,omitempty"`
	DaemonStartedAt     time.Time `json:"daemon_started_at"`

	CallerPID        int       `json:"caller_pid,omitempty"`
	CallerCWD        string    `json:"caller_cwd,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
	RequestStartedAt time.Time `json:"request_started_at,omitempty"`
	Environment      string    `json:"environment,omitempty"`
	ProjectDir       string    `json:"project_dir,omitempty"`
	CurrentOperation string    `json:"current_operation,omitempty"`
	OperationType    OperationKind `json:"operation_type,omitempty"`

	OutputLines []string `json:"output_lines,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	Port        string   `json:"port,omitempty"`
}

// Stale reports whether the snapshot is older than threshold relative to
// now (spec.md §3; threshold is normally config.Daemon.StaleThresholdSec).
func (s *DaemonStatus) Stale(now time.Time, threshold time.Duration) bool {
	if s == nil {
		return true
	}
	return now.Sub(s.UpdatedAt) > threshold
}

// Effective returns the status a client should act on: the stored status
// verbatim unless it's stale, in which case the state is forced to
// StateUnknown while the rest of the fields are kept for diagnostics.
func (s *DaemonStatus) Effective(now time.Time, threshold time.Duration) DaemonStatus {
	if s == nil {
		return UnknownStatus("no status recorded")
	}
	out := *s
	if s.Stale(now, threshold) {
		out.State = StateUnknown
		out.Message = "status is stale (daemon not updating or not running)"
	}
	return out
}

// UnknownStatus builds a synthetic status used whenever the store can't
// produce a real one (missing file, corrupt JSON, structurally invalid).
func UnknownStatus(message string) DaemonStatus {
	return DaemonStatus{
		State:     StateUnknown,
		Message:   message,
		UpdatedAt: time.Now(),
	}
}

// ProcessTreeInfo is the Registry's per-request bookkeeping record.
type ProcessTreeInfo struct {
	ClientPID     int           `json:"client_pid"`
	RootPID       int           `json:"root_pid"`
	ChildPIDs     []int         `json:"child_pids"`
	RequestID     string        `json:"request_id"`
	ProjectDir    string        `json:"project_dir"`
	OperationType OperationKind `json:"operation_type"`
	Port          string        `json:"port,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// AllPIDs returns the root together with its known descendants, de-duplicated.
func (p *ProcessTreeInfo) AllPIDs() []int {
	seen := make(map[int]bool, len(p.ChildPIDs)+1)
	out := make([]int, 0, len(p.ChildPIDs)+1)
	if p.RootPID != 0 {
		seen[p.RootPID] = true
		out = append(out, p.RootPID)
	}
	for _, pid := range p.ChildPIDs {
		if !seen[pid] {
			seen[pid] = true
			out = append(out, pid)
		}
	}
	return out
}
