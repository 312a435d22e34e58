// Package docstore defines the shared document store the scoreboard syncs
// through: point reads, merging partial writes, conditional writes and push
// subscriptions on a single key. Adapters live in the sub-packages.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Read when no document exists for the key.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned by WriteIf when the stored version does not match.
	ErrConflict = errors.New("document version conflict")
	// ErrUnavailable marks connectivity loss to the backing store.
	ErrUnavailable = errors.New("document store unavailable")
)

// Fields maps field paths to JSON values. A path containing dots addresses a
// member of a nested object ("scores.A"); other members are left untouched.
type Fields map[string]json.RawMessage

// Document is a full snapshot of a stored record.
type Document struct {
	Key       string    `json:"key"`
	Version   uint64    `json:"version"`
	Fields    Fields    `json:"fields"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone copies the field map so the snapshot can be handed to other goroutines.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Fields = make(Fields, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = append(json.RawMessage(nil), v...)
	}
	return &out
}

// Store is the minimal contract the sync core needs from a document service.
type Store interface {
	// Read returns the current document or ErrNotFound.
	Read(ctx context.Context, key string) (*Document, error)

	// Write merges fields into the document, creating it when missing.
	Write(ctx context.Context, key string, fields Fields) error

	// WriteIf merges fields only if the stored version equals version.
	// Version 0 means the document must not exist yet. Returns the new
	// version, or ErrConflict.
	WriteIf(ctx context.Context, key string, fields Fields, version uint64) (uint64, error)

	// Subscribe calls fn with the full document on every change, including
	// changes made by the subscriber itself, and once up front when the
	// document already exists. Calls for one subscription are sequential and
	// follow the store's write order.
	Subscribe(ctx context.Context, key string, fn func(*Document)) (Subscription, error)
}

// Subscription is a live change feed. Unsubscribe is safe to call more than
// once and from inside the callback.
type Subscription interface {
	Unsubscribe()
	// Done is closed once no more callbacks will run.
	Done() <-chan struct{}
	// Err reports why delivery stopped: nil after Unsubscribe or context
	// cancellation, ErrUnavailable-wrapped errors after connectivity loss.
	Err() error
}
