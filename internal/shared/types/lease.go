package types

import "time"

// LeaseState represents lease lifecycle states
type LeaseState string

const (
	StateProvisioning LeaseState = "provisioning"
	StateRunning      LeaseState = "running"
	StateTerminating  LeaseState = "terminating"
	StateTerminated   LeaseState = "terminated"
	StateFailed       LeaseState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s LeaseState) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// TerminateReason records why a lease left the running state
type TerminateReason string

const (
	ReasonExplicit        TerminateReason = "explicit"
	ReasonTTLExpired      TerminateReason = "ttl_expired"
	ReasonIdleTimeout     TerminateReason = "idle_timeout"
	ReasonCostCap         TerminateReason = "cost_cap"
	ReasonPolicyViolation TerminateReason = "policy_violation"
	ReasonBackendLost     TerminateReason = "backend_lost"
)

// ResourceSpec describes the compute shape of a lease
type ResourceSpec struct {
	VCPU     int  `json:"vcpu"`
	MemoryMB int  `json:"memory_mb"`
	DiskMB   int  `json:"disk_mb"`
	GPU      bool `json:"gpu"`
}

// VMLease represents a tracked sandbox VM lease
type VMLease struct {
	ID        string       `json:"id"`
	Image     string       `json:"image"`
	State     LeaseState   `json:"state"`
	Backend   string       `json:"backend"`
	Handle    string       `json:"handle"` // Opaque backend-side identifier
	Requester string       `json:"requester"`
	Resources ResourceSpec `json:"resources"`

	HourlyRate  float64 `json:"hourly_rate"`
	AccruedCost float64 `json:"accrued_cost"`

	TTL         time.Duration `json:"ttl"`
	IdleTimeout time.Duration `json:"idle_timeout"`

	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	TerminatedAt   *time.Time       `json:"terminated_at,omitempty"`
	Reason         *TerminateReason `json:"reason,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`
}

// TTLDeadline returns the wallclock instant after which the lease must die.
func (l *VMLease) TTLDeadline() time.Time {
	return l.CreatedAt.Add(l.TTL)
}

// IdleDeadline returns the instant the lease becomes idle-reapable.
// Only meaningful while the lease is running.
func (l *VMLease) IdleDeadline() time.Time {
	return l.LastActivityAt.Add(l.IdleTimeout)
}

// Runtime returns elapsed billable time as of now. Billing starts at
// creation (provisioning time is billed) and stops at termination.
func (l *VMLease) Runtime(now time.Time) time.Duration {
	end := now
	if l.TerminatedAt != nil {
		end = *l.TerminatedAt
	}
	if end.Before(l.CreatedAt) {
		return 0
	}
	return end.Sub(l.CreatedAt)
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (l *VMLease) Clone() *VMLease {
	c := *l
	if l.StartedAt != nil {
		t := *l.StartedAt
		c.StartedAt = &t
	}
	if l.TerminatedAt != nil {
		t := *l.TerminatedAt
		c.TerminatedAt = &t
	}
	if l.Reason != nil {
		r := *l.Reason
		c.Reason = &r
	}
	if l.Labels != nil {
		c.Labels = make(map[string]string, len(l.Labels))
		for k, v := range l.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// PoolStats contains pool manager statistics
type PoolStats struct {
	TotalLeases  int                `json:"total_leases"`
	ActiveLeases int                `json:"active_leases"`
	ByState      map[LeaseState]int `json:"by_state"`
	AccruedCost  float64            `json:"accrued_cost"`
}
