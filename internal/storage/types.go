package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("ledger record not found")
	// ErrConflict reports a concurrent insert for the same key.
	ErrConflict = errors.New("ledger record conflict")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means default
}

// Status is the lifecycle state of a ledger record.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no run is pending or in progress.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Key identifies a ledger record.
type Key struct {
	SiteID    string `json:"site_id"`
	Operation string `json:"operation"`
}

func (k Key) String() string { return k.SiteID + "/" + k.Operation }

func (k Key) Valid() bool { return k.SiteID != "" && k.Operation != "" }

// Record is one row of the ledger table.
type Record struct {
	Key
	Status Status `json:"status"`

	// PrevStatus is the terminal status a SCHEDULED record replaced, empty when new.
	PrevStatus Status `json:"prev_status,omitempty"`

	TriggerID    string     `json:"trigger_id,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	cp := r
	if r.LastRunAt != nil {
		t := *r.LastRunAt
		cp.LastRunAt = &t
	}
	if r.NextRunAt != nil {
		t := *r.NextRunAt
		cp.NextRunAt = &t
	}
	return cp
}

// Action tells Mutate what to do with the record returned by a MutateFunc.
type Action uint8

const (
	Keep Action = iota
	Put
	Delete
)

// MutateFunc receives the current record (nil when absent) and returns the next
// state. Returning an error aborts the mutation and is passed through.
type MutateFunc func(cur *Record) (next Record, act Action, err error)

// Query filters List. Zero fields match everything.
type Query struct {
	Status        Status
	UpdatedBefore time.Time
	SiteID        string
	Operation     string
	Limit         int
}

// Store is the persistence API behind the ledger.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key Key) (Record, error)

	// Mutate serializes read-modify-write per key. Put stamps UpdatedAt with the
	// record's value, so callers own the clock.
	Mutate(ctx context.Context, key Key, fn MutateFunc) (Record, error)

	List(ctx context.Context, q Query) ([]Record, error)
	Close() error
}
