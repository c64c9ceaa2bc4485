package audit

import (
	"time"

	"github.com/tartarus-sandbox/styx/pkg/domain"
)

// Action is the transition being journaled.
type Action string

const (
	ActionUp   Action = "up"
	ActionDown Action = "down"
)

// Event is one journaled transition.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Action    Action          `json:"action"`
	Identity  domain.Identity `json:"identity"`
	State     domain.State    `json:"state"`
	Health    domain.Health   `json:"health,omitempty"`
	Applied   []string        `json:"applied,omitempty"`
	Removed   []string        `json:"removed,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	Latency   time.Duration   `json:"latency,omitempty"`

	// PreviousHash is the hash of the previous event in the journal.
	PreviousHash string `json:"previous_hash,omitempty"`
	// Hash covers every other field, PreviousHash included.
	Hash string `json:"hash"`
}
