// Package domain contains core concepts of the notification hub.
// This file defines notification records and their delivery states.
// Records are append-only; only the read flag and the state move, forward.
package domain

import (
	"fmt"
	"server-hub/errors"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type DeliveryState string

const (
	StatePending      DeliveryState = "pending"
	StateDelivered    DeliveryState = "delivered"
	StateAcknowledged DeliveryState = "acknowledged"
)

func (s DeliveryState) rank() int {
	switch s {
	case StateDelivered:
		return 1
	case StateAcknowledged:
		return 2
	default:
		return 0
	}
}

// Advance returns the furthest of the two states. States never move backwards.
func (s DeliveryState) Advance(next DeliveryState) DeliveryState {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

func ToDeliveryState(s string) DeliveryState {
	switch DeliveryState(s) {
	case StateDelivered, StateAcknowledged:
		return DeliveryState(s)
	default:
		return StatePending
	}
}

// NotificationRecord is the durable unit of delivery.
// Seq is per recipient, starts at 1 and has no gaps.
type NotificationRecord struct {
	Seq       uint64        `json:"seq"`
	Recipient Identity      `json:"recipient"`
	Scope     *TenantScope  `json:"scope,omitempty"`
	Heading   string        `json:"heading"`
	Message   string        `json:"message"`
	Link      *string       `json:"link,omitempty"`
	Read      bool          `json:"read"`
	CreatedAt time.Time     `json:"createdAt"`
	State     DeliveryState `json:"state"`
}

func (n NotificationRecord) HasScope() bool {
	return n.Scope != nil && *n.Scope != ""
}

// NewNotification is what a producer hands to the store.
// Separators used in storage keys are forbidden in identifiers.
type NewNotification struct {
	Recipient Identity     `json:"recipient" validate:"required,max=128,excludesall=/"`
	Scope     *TenantScope `json:"scope,omitempty" validate:"omitempty,min=1,max=128,excludesall=/"`
	Heading   string       `json:"heading" validate:"required,max=200"`
	Message   string       `json:"message" validate:"required,max=4000"`
	Link      *string      `json:"link,omitempty" validate:"omitempty,uri"`
}

func (n NewNotification) Validate() error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidNotification, err)
	}
	return nil
}

// ValidateIdentifier checks an identity or scope used as a storage key segment.
func ValidateIdentifier(value string) error {
	if err := validate.Var(value, "required,max=128,excludesall=/"); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidIdentifier, err)
	}
	return nil
}
