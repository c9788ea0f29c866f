package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/playtime/internal/session"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrConflict is returned when an update's expected version no longer
	// matches the stored record.
	ErrConflict = errors.New("storage: version conflict")

	// ErrExists is returned when creating a record whose key is taken.
	ErrExists = errors.New("storage: record already exists")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Presence() PresenceStore
	Users() UserStore
	Events() EventBus
}

// SessionStore persists Session Records. Updates are compare-and-swap on
// Record.Version.
type SessionStore interface {
	// Create stores a new record at version 1. Returns ErrExists when the id
	// or invoice id is already present.
	Create(ctx context.Context, rec session.Record) (session.Record, error)
	Get(ctx context.Context, id string) (*session.Record, error)
	GetByInvoice(ctx context.Context, invoiceID string) (*session.Record, error)
	// Update stores rec if the stored version equals rec.Version and returns
	// the record as written, with its version incremented.
	Update(ctx context.Context, rec session.Record) (session.Record, error)
	ListByStatus(ctx context.Context, status session.Status) ([]session.Record, error)
	List(ctx context.Context) ([]session.Record, error)
}

// PresenceStore tracks heartbeat liveness per identity.
type PresenceStore interface {
	Touch(ctx context.Context, identity string, at time.Time) error
	List(ctx context.Context) ([]Presence, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// UserStore manages API user accounts.
type UserStore interface {
	Get(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]User, error)
	Upsert(ctx context.Context, user User) error
	Delete(ctx context.Context, username string) error
	UpdateLastLogin(ctx context.Context, username string, loginTime time.Time) error
}

// EventBus fans out session change notifications.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe delivers events for sessionID until cancel is called or ctx
	// is done. An empty sessionID receives every event.
	Subscribe(ctx context.Context, sessionID string) (events <-chan Event, cancel func(), err error)
}
