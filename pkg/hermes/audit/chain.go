package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tartarus-sandbox/styx/pkg/domain"
)

// ChainManager handles the cryptographic chaining of journal events.
type ChainManager struct {
	secretKey []byte
}

// NewChainManager creates a new ChainManager with the given secret key. An
// empty key still detects accidental edits, not deliberate ones.
func NewChainManager(secretKey []byte) *ChainManager {
	return &ChainManager{
		secretKey: secretKey,
	}
}

// ComputeHash computes the HMAC-SHA256 of the event. PreviousHash must
// already be set.
func (c *ChainManager) ComputeHash(event *Event) (string, error) {
	payload := struct {
		ID           string          `json:"id"`
		Timestamp    string          `json:"timestamp"`
		Action       Action          `json:"action"`
		Identity     domain.Identity `json:"identity"`
		State        domain.State    `json:"state"`
		Health       domain.Health   `json:"health,omitempty"`
		Applied      []string        `json:"applied,omitempty"`
		Removed      []string        `json:"removed,omitempty"`
		Warnings     []string        `json:"warnings,omitempty"`
		Errors       []string        `json:"errors,omitempty"`
		Latency      int64           `json:"latency,omitempty"`
		PreviousHash string          `json:"previous_hash,omitempty"`
	}{
		ID:           event.ID,
		Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:       event.Action,
		Identity:     event.Identity,
		State:        event.State,
		Health:       event.Health,
		Applied:      event.Applied,
		Removed:      event.Removed,
		Warnings:     event.Warnings,
		Errors:       event.Errors,
		Latency:      event.Latency.Nanoseconds(),
		PreviousHash: event.PreviousHash,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}

	h := hmac.New(sha256.New, c.secretKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain verifies the integrity of a slice of events.
func (c *ChainManager) VerifyChain(events []Event) error {
	for i, event := range events {
		expectedHash, err := c.ComputeHash(&event)
		if err != nil {
			return fmt.Errorf("failed to compute hash for event %s: %w", event.ID, err)
		}
		if event.Hash != expectedHash {
			return fmt.Errorf("hash mismatch for event %s: expected %s, got %s", event.ID, expectedHash, event.Hash)
		}

		if i == 0 && event.PreviousHash != "" {
			return fmt.Errorf("chain truncated: first event %s links to %s", event.ID, event.PreviousHash)
		}
		if i > 0 && event.PreviousHash != events[i-1].Hash {
			return fmt.Errorf("chain broken at event %s: previous hash %s does not match hash of event %s (%s)",
				event.ID, event.PreviousHash, events[i-1].ID, events[i-1].Hash)
		}
	}

	return nil
}
