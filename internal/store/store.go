// Package store defines the namespaced, expiry-aware key-value store that
// backs every other layer of the offline engine.
package store

import (
	"errors"
	"fmt"
	"time"
)

// Namespace is a logical partition of the key space. Keys are unique within
// a namespace; namespaces are cleared and cleaned up independently.
type Namespace string

const (
	Users         Namespace = "users"
	Locations     Namespace = "locations"
	Friends       Namespace = "friends"
	Messages      Namespace = "messages"
	Notifications Namespace = "notifications"
	Settings      Namespace = "settings"
	Cache         Namespace = "cache"
	SyncQueue     Namespace = "sync-queue"
)

// Namespaces lists every registered namespace in a fixed scan order.
var Namespaces = []Namespace{
	Users, Locations, Friends, Messages, Notifications, Settings, Cache, SyncQueue,
}

// Valid reports whether ns is one of the registered namespaces.
func (ns Namespace) Valid() bool {
	for _, n := range Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// Entry is the stored envelope for a single key. Seq is assigned once on
// first insert and survives overwrites, so ascending Seq is insertion order.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"` // zero = never expires
}

// Expired reports whether the entry is logically absent at the given time.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stats summarises store occupancy.
type Stats struct {
	PerStore   map[Namespace]int `json:"perStore"`
	BytesUsed  int64             `json:"bytesUsed"`
	QuotaBytes int64             `json:"quotaBytes"`
	Backend    string            `json:"backend"`
}

// Store is the contract every backend must satisfy. Writes within one
// namespace are serialized; reads are concurrent across namespaces. Get
// enforces lazy expiry: the first reader of an expired entry deletes it and
// reports a miss, so expired and absent are indistinguishable to callers.
type Store interface {
	// Init opens/creates the underlying store.
	Init() error
	// Close flushes and closes the store.
	Close() error
	// Get returns the value for key, or ok=false when absent or expired.
	Get(ns Namespace, key string) (value []byte, ok bool, err error)
	// Set writes value under key. ttl <= 0 stores the entry without expiry.
	// Overwrites keep the entry's Seq but refresh CreatedAt and ExpiresAt.
	Set(ns Namespace, key string, value []byte, ttl time.Duration) error
	// Update merges a JSON object patch into the stored JSON object value.
	// Returns ErrNotFound when the key is absent or expired.
	Update(ns Namespace, key string, patch []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ns Namespace, key string) error
	// GetAll returns all live entries of a namespace in insertion order.
	GetAll(ns Namespace) ([]Entry, error)
	// Clear removes every entry of a namespace, returning the count removed.
	Clear(ns Namespace) (int, error)
	// CleanupOlderThan removes entries across all namespaces whose CreatedAt
	// precedes now minus the given number of days. Returns the count removed.
	CleanupOlderThan(days int) (int, error)
	// CleanExpired removes all entries whose expiry has passed.
	CleanExpired() (int, error)
	// Stats reports per-namespace counts and byte usage.
	Stats() (Stats, error)
	// ExportAll returns a raw snapshot of every namespace for diagnostics.
	// Expired-but-uncollected entries are included as stored.
	ExportAll() (map[Namespace][]Entry, error)
}

var (
	// ErrQuotaExceeded rejects a write that would push the store over its
	// configured byte quota.
	ErrQuotaExceeded = errors.New("store: quota exceeded")
	// ErrUnknownNamespace rejects operations on an unregistered namespace.
	ErrUnknownNamespace = errors.New("store: unknown namespace")
	// ErrNotFound is returned by Update when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")
)

// StorageError wraps a backend I/O failure with its operation context.
// Callers must not assume a write succeeded when one is returned.
type StorageError struct {
	Op        string
	Namespace Namespace
	Key       string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Namespace, e.Err)
	}
	return fmt.Sprintf("storage %s %s/%s: %v", e.Op, e.Namespace, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Option customises a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNow overrides the clock used for expiry and cleanup comparisons,
// primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
