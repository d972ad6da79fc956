package models

import "time"

// -----------------------------------------------------------------------------
// Observability Structures
// -----------------------------------------------------------------------------

// MAccountStatus is the per-account slice of the pool status breakdown.
type MAccountStatus struct {
	AccountID     string `json:"account_id"`
	Capacity      int    `json:"capacity"`
	Assigned      int    `json:"assigned"`
	SpareCapacity int    `json:"spare_capacity"`
}

// -----------------------------------------------------------------------------

// MPoolStatus is the control API view of the upstream connection pool.
type MPoolStatus struct {
	TotalSubscriptions int              `json:"total_subscriptions"`
	Accounts           []MAccountStatus `json:"per_account_breakdown"`
	LastReloadTime     time.Time        `json:"last_reload_time"`
}

// -----------------------------------------------------------------------------

// MRegistryStats summarizes the session subscription registry.
type MRegistryStats struct {
	ConnectionCount int `json:"connection_count"`
	UniqueKeyCount  int `json:"unique_key_count"`
	UniqueUserCount int `json:"unique_user_count"`
}

// -----------------------------------------------------------------------------

// MTaskStatus is the supervised-task health report. Restart decisions are
// observable here, not via log grepping.
type MTaskStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"` // "running", "restarting", "stopped", "gave_up"
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}
