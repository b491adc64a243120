// Package store defines the typed, versioned interface to the hierarchical
// coordination store and the batched access layer the controller and
// participants use. Backends live in subpackages.
package store

import "context"

// Stat carries the store metadata of one node.
type Stat struct {
	Version     int32
	Ephemeral   bool
	Ctime       int64
	Mtime       int64
	NumChildren int
}

// AnyVersion disables the optimistic version check on Set/Delete.
const AnyVersion int32 = -1

// CreateMode selects node lifetime.
type CreateMode int

const (
	// Persistent nodes survive the creating session.
	Persistent CreateMode = iota
	// Ephemeral nodes are deleted when the creating session ends.
	Ephemeral
)

// EventType classifies change notifications.
type EventType int

const (
	EventCreated EventType = iota
	EventDeleted
	EventDataChanged
	EventChildrenChanged
	// EventSessionLost signals that the backing session expired; all watches
	// and ephemerals owned by this client are gone.
	EventSessionLost
)

// Event is one change notification.
type Event struct {
	Type EventType
	Path string
}

// CancelFunc tears down a watch registration.
type CancelFunc func()

// Store is the low-level coordination-store client. All blocking operations
// take a context; implementations map backend errors onto the sentinel
// errors in pkg/errors (ErrNoNode, ErrNodeExists, ErrBadVersion,
// ErrStoreTransient, ErrSessionExpired).
type Store interface {
	// Get reads data and stat of a node.
	Get(ctx context.Context, path string) ([]byte, Stat, error)

	// Set writes data if the node's version matches; AnyVersion skips the check.
	Set(ctx context.Context, path string, data []byte, version int32) (Stat, error)

	// Create makes a new node. Parents must exist.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) error

	// Delete removes a node if the version matches.
	Delete(ctx context.Context, path string, version int32) error

	// Exists reports presence without reading data.
	Exists(ctx context.Context, path string) (bool, Stat, error)

	// GetStat reads only the stat of a node.
	GetStat(ctx context.Context, path string) (Stat, error)

	// GetChildren lists the relative names of a node's children.
	GetChildren(ctx context.Context, path string) ([]string, error)

	// WatchData delivers change events for one node until cancelled.
	WatchData(path string) (<-chan Event, CancelFunc, error)

	// WatchChildren delivers child-set change events for one node until cancelled.
	WatchChildren(path string) (<-chan Event, CancelFunc, error)

	// SessionID identifies the session owning this client's ephemerals.
	SessionID() string

	Close() error
}
