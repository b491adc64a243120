// Package zkstore adapts a ZooKeeper ensemble to the coordination store
// contract. ZooKeeper's one-shot watches are re-armed transparently so
// callers see persistent event channels.
package zkstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/store"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// Config configures the ZooKeeper client.
type Config struct {
	// Servers are the ensemble addresses (host:port).
	Servers []string
	// SessionTimeout for the ZooKeeper session (default: 30s).
	SessionTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{SessionTimeout: 30 * time.Second}
}

// Store is a store.Store backed by ZooKeeper.
type Store struct {
	conn   *zk.Conn
	logger *zap.Logger
	stopCh chan struct{}
}

var _ store.Store = (*Store)(nil)

// Connect dials the ensemble and waits for the session to establish.
func Connect(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper: %w", err)
	}

	s := &Store{conn: conn, logger: logger, stopCh: make(chan struct{})}

	// Drain session events so the library never blocks; log state changes.
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type == zk.EventSession {
					logger.Info("zookeeper session state", zap.String("state", ev.State.String()))
				}
			case <-s.stopCh:
				return
			}
		}
	}()

	return s, nil
}

// mapErr translates zk errors onto the store sentinels.
func mapErr(err error) error {
	switch err {
	case nil:
		return nil
	case zk.ErrNoNode:
		return herrors.ErrNoNode
	case zk.ErrNodeExists:
		return herrors.ErrNodeExists
	case zk.ErrBadVersion:
		return herrors.ErrBadVersion
	case zk.ErrSessionExpired:
		return herrors.ErrSessionExpired
	case zk.ErrConnectionClosed, zk.ErrSessionMoved:
		return fmt.Errorf("%w: %v", herrors.ErrStoreTransient, err)
	default:
		return err
	}
}

func (s *Store) SessionID() string {
	return fmt.Sprintf("%x", s.conn.SessionID())
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, store.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Stat{}, err
	}
	data, stat, err := s.conn.Get(path)
	if err != nil {
		return nil, store.Stat{}, mapErr(err)
	}
	return data, toStat(stat), nil
}

func (s *Store) Set(ctx context.Context, path string, data []byte, version int32) (store.Stat, error) {
	if err := ctx.Err(); err != nil {
		return store.Stat{}, err
	}
	stat, err := s.conn.Set(path, data, version)
	if err != nil {
		return store.Stat{}, mapErr(err)
	}
	return toStat(stat), nil
}

func (s *Store) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var flags int32
	if mode == store.Ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := s.conn.Create(path, data, flags, zk.WorldACL(zk.PermAll))
	return mapErr(err)
}

func (s *Store) Delete(ctx context.Context, path string, version int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(s.conn.Delete(path, version))
}

func (s *Store) Exists(ctx context.Context, path string) (bool, store.Stat, error) {
	if err := ctx.Err(); err != nil {
		return false, store.Stat{}, err
	}
	ok, stat, err := s.conn.Exists(path)
	if err != nil {
		return false, store.Stat{}, mapErr(err)
	}
	if !ok {
		return false, store.Stat{}, nil
	}
	return true, toStat(stat), nil
}

func (s *Store) GetStat(ctx context.Context, path string) (store.Stat, error) {
	ok, stat, err := s.Exists(ctx, path)
	if err != nil {
		return store.Stat{}, err
	}
	if !ok {
		return store.Stat{}, herrors.ErrNoNode
	}
	return stat, nil
}

func (s *Store) GetChildren(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := s.conn.Children(path)
	if err != nil {
		return nil, mapErr(err)
	}
	return children, nil
}

// WatchData re-arms a one-shot data watch until cancelled. Absent nodes are
// watched for creation via ExistsW.
func (s *Store) WatchData(path string) (<-chan store.Event, store.CancelFunc, error) {
	return s.watchLoop(path, func() (<-chan zk.Event, error) {
		ok, _, ch, err := s.conn.ExistsW(path)
		if err != nil {
			return nil, err
		}
		_ = ok
		return ch, nil
	})
}

// WatchChildren re-arms a one-shot child watch until cancelled.
func (s *Store) WatchChildren(path string) (<-chan store.Event, store.CancelFunc, error) {
	return s.watchLoop(path, func() (<-chan zk.Event, error) {
		_, _, ch, err := s.conn.ChildrenW(path)
		return ch, err
	})
}

func (s *Store) watchLoop(path string, arm func() (<-chan zk.Event, error)) (<-chan store.Event, store.CancelFunc, error) {
	out := make(chan store.Event, 128)
	stop := make(chan struct{})

	go func() {
		defer close(out)
		for {
			ch, err := arm()
			if err != nil {
				// Transient arm failure: back off and retry until cancelled.
				s.logger.Warn("re-arm watch failed", zap.String("path", path), zap.Error(err))
				select {
				case <-time.After(time.Second):
					continue
				case <-stop:
					return
				case <-s.stopCh:
					return
				}
			}
			select {
			case ev := <-ch:
				out <- toEvent(ev)
				if ev.State == zk.StateExpired {
					return
				}
			case <-stop:
				return
			case <-s.stopCh:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }
	return out, cancel, nil
}

func toEvent(ev zk.Event) store.Event {
	var typ store.EventType
	switch ev.Type {
	case zk.EventNodeCreated:
		typ = store.EventCreated
	case zk.EventNodeDeleted:
		typ = store.EventDeleted
	case zk.EventNodeDataChanged:
		typ = store.EventDataChanged
	case zk.EventNodeChildrenChanged:
		typ = store.EventChildrenChanged
	default:
		if ev.State == zk.StateExpired {
			typ = store.EventSessionLost
		} else {
			typ = store.EventDataChanged
		}
	}
	return store.Event{Type: typ, Path: ev.Path}
}

func toStat(stat *zk.Stat) store.Stat {
	if stat == nil {
		return store.Stat{Version: -1}
	}
	return store.Stat{
		Version:     stat.Version,
		Ephemeral:   stat.EphemeralOwner != 0,
		Ctime:       stat.Ctime,
		Mtime:       stat.Mtime,
		NumChildren: int(stat.NumChildren),
	}
}

func (s *Store) Close() error {
	close(s.stopCh)
	s.conn.Close()
	return nil
}
