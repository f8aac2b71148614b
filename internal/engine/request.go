package engine

import (
	"time"

	"github.com/google/uuid"

	"grimm.is/egress/internal/clock"
	"grimm.is/egress/internal/modes"
)

// Trigger records where a transition request came from.
type Trigger string

const (
	TriggerAPI  Trigger = "api"
	TriggerLink Trigger = "link"
	TriggerBoot Trigger = "boot"
)

// TransitionRequest is an intent to move to a target mode.
type TransitionRequest struct {
	ID          string     `json:"id"`
	Target      modes.Mode `json:"target"`
	Trigger     Trigger    `json:"trigger"`
	RequestedAt time.Time  `json:"requested_at"`
}

// NewRequest creates a request with a fresh ID and timestamp.
func NewRequest(target modes.Mode, trigger Trigger) TransitionRequest {
	return TransitionRequest{
		ID:          uuid.NewString(),
		Target:      target,
		Trigger:     trigger,
		RequestedAt: clock.Now(),
	}
}
