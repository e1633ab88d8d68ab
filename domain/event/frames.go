// Package event holds the frames exchanged over a live connection.
package event

import "server-hub/domain"

// ClientFrame is sent by a client. Exactly one field is expected to be set.
type ClientFrame struct {
	Acknowledge *uint64             `json:"acknowledge,omitempty"`
	MarkRead    *uint64             `json:"markRead,omitempty"`
	Subscribe   *domain.TenantScope `json:"subscribe,omitempty"`
	Unsubscribe *domain.TenantScope `json:"unsubscribe,omitempty"`
}

// ServerFrame is pushed by the hub.
type ServerFrame struct {
	Notification *domain.NotificationRecord `json:"notification,omitempty"`
	Error        string                     `json:"error,omitempty"`
}
