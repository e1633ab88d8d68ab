// Package domain contains core concepts of the notification hub.
// This file defines identities, tenant scopes and membership.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"strings"
	"time"
)

// Identity is an opaque user reference issued by the authentication layer.
type Identity string

// TenantScope is a server or group identifier, e.g. "server-42" or "group-7".
type TenantScope string

type ConnectionID string

// Member links an identity to a scope. Membership is owned by the relational
// side of Server Hub; the hub only reads it, and writes it for join/leave.
type Member struct {
	Scope    TenantScope `json:"scope"`
	Identity Identity    `json:"identity"`
	JoinedAt time.Time   `json:"joinedAt"`
}

// ParseScopes splits a comma separated scope list, dropping blanks and duplicates.
func ParseScopes(raw string) []TenantScope {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	seen := make(map[TenantScope]struct{})
	var scopes []TenantScope
	for _, part := range strings.Split(raw, ",") {
		scope := TenantScope(strings.TrimSpace(part))
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		scopes = append(scopes, scope)
	}
	return scopes
}
