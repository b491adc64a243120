// Package memstore provides an in-process implementation of the coordination
// store contract: a hierarchical versioned tree with sessions, ephemeral
// nodes and data/child watches. It backs tests and single-process clusters.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-io/helmsman/internal/store"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

type node struct {
	data           []byte
	version        int32
	ephemeralOwner string
	ctime          int64
	mtime          int64
	children       map[string]*node
}

func newNode() *node {
	now := time.Now().UnixMilli()
	return &node{version: 0, ctime: now, mtime: now, children: make(map[string]*node)}
}

// Tree is the shared store state. Every client session is a Conn obtained
// from Connect; ephemerals die with their Conn.
type Tree struct {
	mu       sync.Mutex
	root     *node
	watchers map[string][]*watcher
	persist  *persister
}

type watcher struct {
	path     string
	child    bool
	ch       chan store.Event
	owner    *Conn
	cancelled bool
}

func New() *Tree {
	return &Tree{
		root:     newNode(),
		watchers: make(map[string][]*watcher),
	}
}

// Connect opens a new session against the tree.
func (t *Tree) Connect() *Conn {
	return &Conn{tree: t, session: uuid.NewString()}
}

func splitPath(path string) ([]string, bool) {
	if !strings.HasPrefix(path, "/") || path == "/" {
		return nil, false
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}

// lookup walks to a node; returns nil if absent.
func (t *Tree) lookup(parts []string) *node {
	n := t.root
	for _, p := range parts {
		n = n.children[p]
		if n == nil {
			return nil
		}
	}
	return n
}

func statOf(n *node) store.Stat {
	return store.Stat{
		Version:     n.version,
		Ephemeral:   n.ephemeralOwner != "",
		Ctime:       n.ctime,
		Mtime:       n.mtime,
		NumChildren: len(n.children),
	}
}

const watchBuffer = 128

// notify fires an event to matching watchers. Slow consumers lose events
// rather than blocking the store; consumers treat any event as a refresh hint.
func (t *Tree) notify(path string, typ store.EventType, childEvent bool) {
	for _, w := range t.watchers[path] {
		if w.cancelled || w.child != childEvent {
			continue
		}
		select {
		case w.ch <- store.Event{Type: typ, Path: path}:
		default:
		}
	}
}

func (t *Tree) markDirty() {
	if t.persist != nil {
		t.persist.MarkDirty()
	}
}

// Conn is one session's handle on the tree. It implements store.Store.
type Conn struct {
	tree    *Tree
	session string

	mu     sync.Mutex
	closed bool
	owned  []*watcher
}

var _ store.Store = (*Conn)(nil)

func (c *Conn) SessionID() string { return c.session }

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return herrors.ErrStoreClosed
	}
	return nil
}

func (c *Conn) Get(ctx context.Context, path string) ([]byte, store.Stat, error) {
	if err := c.checkOpen(); err != nil {
		return nil, store.Stat{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, store.Stat{}, err
	}
	parts, ok := splitPath(path)
	if !ok {
		return nil, store.Stat{}, herrors.ErrNoNode
	}

	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	n := c.tree.lookup(parts)
	if n == nil {
		return nil, store.Stat{}, herrors.ErrNoNode
	}
	data := make([]byte, len(n.data))
	copy(data, n.data)
	return data, statOf(n), nil
}

func (c *Conn) Set(ctx context.Context, path string, data []byte, version int32) (store.Stat, error) {
	if err := c.checkOpen(); err != nil {
		return store.Stat{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.Stat{}, err
	}
	parts, ok := splitPath(path)
	if !ok {
		return store.Stat{}, herrors.ErrNoNode
	}

	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	n := c.tree.lookup(parts)
	if n == nil {
		return store.Stat{}, herrors.ErrNoNode
	}
	if version != store.AnyVersion && version != n.version {
		return store.Stat{}, herrors.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	n.mtime = time.Now().UnixMilli()
	c.tree.notify(path, store.EventDataChanged, false)
	c.tree.markDirty()
	return statOf(n), nil
}

func (c *Conn) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	parts, ok := splitPath(path)
	if !ok {
		return herrors.ErrNoNode
	}

	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	parent := c.tree.root
	if len(parts) > 1 {
		parent = c.tree.lookup(parts[:len(parts)-1])
		if parent == nil {
			return herrors.ErrNoNode
		}
	}
	name := parts[len(parts)-1]
	if _, exists := parent.children[name]; exists {
		return herrors.ErrNodeExists
	}

	n := newNode()
	n.data = append([]byte(nil), data...)
	if mode == store.Ephemeral {
		n.ephemeralOwner = c.session
	}
	parent.children[name] = n

	c.tree.notify(path, store.EventCreated, false)
	c.tree.notify(store.ParentPath(path), store.EventChildrenChanged, true)
	c.tree.markDirty()
	return nil
}

func (c *Conn) Delete(ctx context.Context, path string, version int32) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	parts, ok := splitPath(path)
	if !ok {
		return herrors.ErrNoNode
	}

	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	parent := c.tree.root
	if len(parts) > 1 {
		parent = c.tree.lookup(parts[:len(parts)-1])
		if parent == nil {
			return herrors.ErrNoNode
		}
	}
	name := parts[len(parts)-1]
	n := parent.children[name]
	if n == nil {
		return herrors.ErrNoNode
	}
	if version != store.AnyVersion && version != n.version {
		return herrors.ErrBadVersion
	}
	delete(parent.children, name)

	c.tree.notify(path, store.EventDeleted, false)
	c.tree.notify(store.ParentPath(path), store.EventChildrenChanged, true)
	c.tree.markDirty()
	return nil
}

func (c *Conn) Exists(ctx context.Context, path string) (bool, store.Stat, error) {
	if err := c.checkOpen(); err != nil {
		return false, store.Stat{}, err
	}
	parts, ok := splitPath(path)
	if !ok {
		return false, store.Stat{}, nil
	}

	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	n := c.tree.lookup(parts)
	if n == nil {
		return false, store.Stat{}, nil
	}
	return true, statOf(n), nil
}

func (c *Conn) GetStat(ctx context.Context, path string) (store.Stat, error) {
	exists, stat, err := c.Exists(ctx, path)
	if err != nil {
		return store.Stat{}, err
	}
	if !exists {
		return store.Stat{}, herrors.ErrNoNode
	}
	return stat, nil
}

func (c *Conn) GetChildren(ctx context.Context, path string) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	parts, ok := splitPath(path)
	if !ok {
		return nil, herrors.ErrNoNode
	}

	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	n := c.tree.lookup(parts)
	if n == nil {
		return nil, herrors.ErrNoNode
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Conn) watch(path string, child bool) (<-chan store.Event, store.CancelFunc, error) {
	if err := c.checkOpen(); err != nil {
		return nil, nil, err
	}
	w := &watcher{path: path, child: child, ch: make(chan store.Event, watchBuffer), owner: c}

	c.tree.mu.Lock()
	c.tree.watchers[path] = append(c.tree.watchers[path], w)
	c.tree.mu.Unlock()

	c.mu.Lock()
	c.owned = append(c.owned, w)
	c.mu.Unlock()

	cancel := func() {
		c.tree.mu.Lock()
		w.cancelled = true
		c.tree.mu.Unlock()
	}
	return w.ch, cancel, nil
}

func (c *Conn) WatchData(path string) (<-chan store.Event, store.CancelFunc, error) {
	return c.watch(path, false)
}

func (c *Conn) WatchChildren(path string) (<-chan store.Event, store.CancelFunc, error) {
	return c.watch(path, true)
}

// Close ends the session: ephemerals owned by it are removed (firing watches)
// and its watch channels receive a session-lost event.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()

	c.tree.mu.Lock()
	c.tree.removeEphemerals(c.tree.root, "", c.session)
	for _, w := range owned {
		if !w.cancelled {
			w.cancelled = true
			select {
			case w.ch <- store.Event{Type: store.EventSessionLost, Path: w.path}:
			default:
			}
		}
	}
	c.tree.markDirty()
	c.tree.mu.Unlock()
	return nil
}

// removeEphemerals deletes every node under n owned by session. Caller holds
// the tree lock.
func (t *Tree) removeEphemerals(n *node, prefix, session string) {
	for name, child := range n.children {
		path := prefix + "/" + name
		if child.ephemeralOwner == session {
			delete(n.children, name)
			t.notify(path, store.EventDeleted, false)
			t.notify(prefix, store.EventChildrenChanged, true)
			continue
		}
		t.removeEphemerals(child, path, session)
	}
}
