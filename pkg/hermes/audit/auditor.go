// Package audit keeps a tamper-evident journal of up/down transitions so an
// operator can tell what each scheduled run changed on the host.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Auditor records journal events.
type Auditor interface {
	Record(ctx context.Context, event *Event) error
}

// StandardAuditor is the default implementation of Auditor.
type StandardAuditor struct {
	store Store
}

// NewStandardAuditor creates a new StandardAuditor.
func NewStandardAuditor(store Store) *StandardAuditor {
	return &StandardAuditor{store: store}
}

// Record stamps the event and writes it to the store.
func (a *StandardAuditor) Record(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := a.store.Write(ctx, event); err != nil {
		return fmt.Errorf("failed to write journal event: %w", err)
	}

	return nil
}

// NopAuditor discards events.
type NopAuditor struct{}

func (NopAuditor) Record(ctx context.Context, event *Event) error { return nil }
