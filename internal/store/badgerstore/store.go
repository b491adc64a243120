// Package badgerstore implements the coordination store contract on an
// embedded BadgerDB, for single-node deployments and durable local tests.
// There is one implicit session per open database; ephemeral nodes from a
// previous session are dropped at open.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/helmsman-io/helmsman/internal/store"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

type nodeEntry struct {
	Data      []byte
	Version   int32
	Ephemeral bool
	Ctime     int64
	Mtime     int64
}

// Store implements store.Store using BadgerDB.
type Store struct {
	db      *badger.DB
	session string

	mu       sync.Mutex
	watchers map[string][]*watcher
	closed   bool
}

type watcher struct {
	child     bool
	ch        chan store.Event
	cancelled bool
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and starts a fresh session.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{
		db:       db,
		session:  uuid.NewString(),
		watchers: make(map[string][]*watcher),
	}
	if err := s.dropEphemerals(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) SessionID() string { return s.session }

// dropEphemerals removes ephemeral nodes left by a previous session.
func (s *Store) dropEphemerals() error {
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var entry nodeEntry
			err := item.Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&entry)
			})
			if err != nil {
				return err
			}
			if entry.Ephemeral {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeEntry(entry nodeEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("encode node: %w", err)
	}
	return buf.Bytes(), nil
}

func readEntry(txn *badger.Txn, path string) (nodeEntry, error) {
	var entry nodeEntry
	item, err := txn.Get([]byte(path))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return entry, herrors.ErrNoNode
		}
		return entry, err
	}
	err = item.Value(func(val []byte) error {
		return gob.NewDecoder(bytes.NewReader(val)).Decode(&entry)
	})
	return entry, err
}

func (s *Store) stat(entry nodeEntry, children int) store.Stat {
	return store.Stat{
		Version:     entry.Version,
		Ephemeral:   entry.Ephemeral,
		Ctime:       entry.Ctime,
		Mtime:       entry.Mtime,
		NumChildren: children,
	}
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, store.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Stat{}, err
	}
	var entry nodeEntry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = readEntry(txn, path)
		return err
	})
	if err != nil {
		return nil, store.Stat{}, err
	}
	return entry.Data, s.stat(entry, 0), nil
}

func (s *Store) Set(ctx context.Context, path string, data []byte, version int32) (store.Stat, error) {
	if err := ctx.Err(); err != nil {
		return store.Stat{}, err
	}
	var out store.Stat
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, err := readEntry(txn, path)
		if err != nil {
			return err
		}
		if version != store.AnyVersion && version != entry.Version {
			return herrors.ErrBadVersion
		}
		entry.Data = data
		entry.Version++
		entry.Mtime = time.Now().UnixMilli()
		encoded, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		out = s.stat(entry, 0)
		return txn.Set([]byte(path), encoded)
	})
	if err != nil {
		return store.Stat{}, err
	}
	s.notify(path, store.EventDataChanged, false)
	return out, nil
}

func (s *Store) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(path)); err == nil {
			return herrors.ErrNodeExists
		}
		parent := store.ParentPath(path)
		if parent != "" {
			if _, err := txn.Get([]byte(parent)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return herrors.ErrNoNode
				}
				return err
			}
		}
		now := time.Now().UnixMilli()
		entry := nodeEntry{
			Data:      data,
			Version:   0,
			Ephemeral: mode == store.Ephemeral,
			Ctime:     now,
			Mtime:     now,
		}
		encoded, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		return txn.Set([]byte(path), encoded)
	})
	if err != nil {
		return err
	}
	s.notify(path, store.EventCreated, false)
	s.notify(store.ParentPath(path), store.EventChildrenChanged, true)
	return nil
}

func (s *Store) Delete(ctx context.Context, path string, version int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, err := readEntry(txn, path)
		if err != nil {
			return err
		}
		if version != store.AnyVersion && version != entry.Version {
			return herrors.ErrBadVersion
		}
		return txn.Delete([]byte(path))
	})
	if err != nil {
		return err
	}
	s.notify(path, store.EventDeleted, false)
	s.notify(store.ParentPath(path), store.EventChildrenChanged, true)
	return nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, store.Stat, error) {
	_, stat, err := s.Get(ctx, path)
	if errors.Is(err, herrors.ErrNoNode) {
		return false, store.Stat{}, nil
	}
	if err != nil {
		return false, store.Stat{}, err
	}
	return true, stat, nil
}

func (s *Store) GetStat(ctx context.Context, path string) (store.Stat, error) {
	_, stat, err := s.Get(ctx, path)
	return stat, err
}

func (s *Store) GetChildren(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := path + "/"
	var children []string
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := readEntry(txn, path); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, prefix)
			if rest == "" || strings.Contains(rest, "/") {
				continue
			}
			children = append(children, rest)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(children)
	return children, nil
}

const watchBuffer = 128

func (s *Store) watch(path string, child bool) (<-chan store.Event, store.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, herrors.ErrStoreClosed
	}
	w := &watcher{child: child, ch: make(chan store.Event, watchBuffer)}
	s.watchers[path] = append(s.watchers[path], w)
	cancel := func() {
		s.mu.Lock()
		w.cancelled = true
		s.mu.Unlock()
	}
	return w.ch, cancel, nil
}

func (s *Store) WatchData(path string) (<-chan store.Event, store.CancelFunc, error) {
	return s.watch(path, false)
}

func (s *Store) WatchChildren(path string) (<-chan store.Event, store.CancelFunc, error) {
	return s.watch(path, true)
}

func (s *Store) notify(path string, typ store.EventType, childEvent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers[path] {
		if w.cancelled || w.child != childEvent {
			continue
		}
		select {
		case w.ch <- store.Event{Type: typ, Path: path}:
		default:
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
