// Package audit records every raw webhook event exactly as received. Sinks
// are best effort: ingestion never waits on them or fails because of them.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Entry is one raw event plus the routing it arrived with.
type Entry struct {
	ReceivedAt   time.Time       `json:"received_at"`
	TenantID     string          `json:"tenant_id"`
	ConnectionID uint            `json:"connection_id"`
	EventType    string          `json:"event_type"`
	Signature    string          `json:"signature,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Sink stores audit entries.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
	Close() error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Close() error                        { return nil }

// Multi fans entries out to several sinks. A failing sink does not stop
// delivery to the others.
type Multi struct {
	sinks []Sink
}

// NewMulti returns a Multi over sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
