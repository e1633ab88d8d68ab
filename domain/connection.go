package domain

import "time"

// Connection is a read-only snapshot of a live transport session.
type Connection struct {
	ID            ConnectionID  `json:"id"`
	Identity      Identity      `json:"identity"`
	Scopes        []TenantScope `json:"scopes"`
	LastAckSeq    uint64        `json:"lastAckSeq"`
	LastPushedSeq uint64        `json:"lastPushedSeq"`
	ConnectedAt   time.Time     `json:"connectedAt"`
	LastSeen      time.Time     `json:"lastSeen"`
}
