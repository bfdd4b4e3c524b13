package types

import "time"

// SpawnRequest represents a lease creation request. An empty Image
// falls back to the configured default.
type SpawnRequest struct {
	Image       string            `json:"image,omitempty"`
	Requester   string            `json:"requester,omitempty"`
	TTLHours    float64           `json:"ttl_hours,omitempty"`
	IdleMinutes float64           `json:"idle_minutes,omitempty"`
	GPU         bool              `json:"gpu,omitempty"`
	VCPU        int               `json:"vcpu,omitempty"`
	MemoryMB    int               `json:"memory_mb,omitempty"`
	DiskMB      int               `json:"disk_mb,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// SpawnResponse acknowledges a provisioned lease
type SpawnResponse struct {
	LeaseID     string     `json:"lease_id"`
	Image       string     `json:"image"`
	Backend     string     `json:"backend"`
	State       LeaseState `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	TTLDeadline time.Time  `json:"ttl_deadline"`
}

// ExecRequest represents a command execution request
type ExecRequest struct {
	Command    []string          `json:"command" binding:"required"`
	TimeoutMS  int64             `json:"timeout_ms,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Stdin      string            `json:"stdin,omitempty"`
}

// ExecResponse carries the outcome of a completed command
type ExecResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Truncated  bool   `json:"truncated"`
	DurationMS int64  `json:"duration_ms"`
}

// TransferDirection distinguishes uploads from downloads
type TransferDirection string

const (
	TransferUpload   TransferDirection = "upload"
	TransferDownload TransferDirection = "download"
)

// TransferRequest represents a file transfer request.
// Content is base64 and set for uploads only.
type TransferRequest struct {
	Direction TransferDirection `json:"direction" binding:"required"`
	Path      string            `json:"path" binding:"required"`
	Content   string            `json:"content,omitempty"`
}

// TransferResponse acknowledges a transfer. Content is base64 and
// set for downloads only.
type TransferResponse struct {
	TransferID string            `json:"transfer_id"`
	Direction  TransferDirection `json:"direction"`
	Path       string            `json:"path"`
	Bytes      int64             `json:"bytes"`
	MediaType  string            `json:"media_type,omitempty"`
	Content    string            `json:"content,omitempty"`
}

// LeaseStatus is the external view of a lease
type LeaseStatus struct {
	LeaseID        string           `json:"lease_id"`
	Image          string           `json:"image"`
	State          LeaseState       `json:"state"`
	Backend        string           `json:"backend"`
	Requester      string           `json:"requester,omitempty"`
	Resources      ResourceSpec     `json:"resources"`
	HourlyRate     float64          `json:"hourly_rate"`
	AccruedCost    float64          `json:"accrued_cost"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	TerminatedAt   *time.Time       `json:"terminated_at,omitempty"`
	TTLDeadline    time.Time        `json:"ttl_deadline"`
	IdleDeadline   time.Time        `json:"idle_deadline"`
	Reason         *TerminateReason `json:"reason,omitempty"`
}

// StatusOf projects a lease snapshot into its external view.
func StatusOf(l *VMLease) LeaseStatus {
	return LeaseStatus{
		LeaseID:        l.ID,
		Image:          l.Image,
		State:          l.State,
		Backend:        l.Backend,
		Requester:      l.Requester,
		Resources:      l.Resources,
		HourlyRate:     l.HourlyRate,
		AccruedCost:    l.AccruedCost,
		CreatedAt:      l.CreatedAt,
		StartedAt:      l.StartedAt,
		LastActivityAt: l.LastActivityAt,
		TerminatedAt:   l.TerminatedAt,
		TTLDeadline:    l.TTLDeadline(),
		IdleDeadline:   l.IdleDeadline(),
		Reason:         l.Reason,
	}
}

// BackendStatus is the external view of one backend's health
type BackendStatus struct {
	Name                string     `json:"name"`
	Role                string     `json:"role"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       uint64     `json:"total_failures"`
	TotalSuccesses      uint64     `json:"total_successes"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
}

// LeaseEvent is broadcast on the lifecycle stream
type LeaseEvent struct {
	Type      string           `json:"type"`
	LeaseID   string           `json:"lease_id"`
	State     LeaseState       `json:"state"`
	Backend   string           `json:"backend,omitempty"`
	Reason    *TerminateReason `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
