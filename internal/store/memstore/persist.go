package memstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	snapshotFileName     = "store-snapshot.json"
	saveDebounceDuration = 100 * time.Millisecond

	// snapshotVersion guards the on-disk format.
	snapshotVersion = 1
)

type persistedNode struct {
	Data     []byte                    `json:"data,omitempty"`
	Version  int32                     `json:"version"`
	Children map[string]*persistedNode `json:"children,omitempty"`
}

type snapshot struct {
	Version int            `json:"version"`
	Root    *persistedNode `json:"root"`
}

// persister writes debounced snapshots of the tree's persistent nodes to
// disk so a single-process deployment survives restarts. Ephemerals are
// session-bound and never persisted.
type persister struct {
	dataDir string
	tree    *Tree

	dirty atomic.Bool
	mu    sync.Mutex

	saveCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// EnablePersistence attaches a debounced disk snapshotter to the tree and
// loads an existing snapshot if present.
func (t *Tree) EnablePersistence(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	p := &persister{
		dataDir: dataDir,
		tree:    t,
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if err := p.load(); err != nil {
		return err
	}

	t.mu.Lock()
	t.persist = p
	t.mu.Unlock()

	p.wg.Add(1)
	go p.saveLoop()
	return nil
}

// ClosePersistence stops the snapshotter, flushing pending changes.
func (t *Tree) ClosePersistence() error {
	t.mu.Lock()
	p := t.persist
	t.persist = nil
	t.mu.Unlock()

	if p == nil {
		return nil
	}
	close(p.doneCh)
	p.wg.Wait()
	if p.dirty.Load() {
		return p.save()
	}
	return nil
}

func (p *persister) MarkDirty() {
	if p.dirty.CompareAndSwap(false, true) {
		select {
		case p.saveCh <- struct{}{}:
		default:
		}
	}
}

func (p *persister) saveLoop() {
	defer p.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-p.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(saveDebounceDuration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if p.dirty.Load() {
				if err := p.save(); err != nil {
					fmt.Fprintf(os.Stderr, "memstore snapshot error: %v\n", err)
				}
			}

		case <-p.doneCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (p *persister) load() error {
	path := filepath.Join(p.dataDir, snapshotFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version: %d", snap.Version)
	}

	p.tree.mu.Lock()
	p.tree.root = restoreNode(snap.Root)
	p.tree.mu.Unlock()
	return nil
}

func (p *persister) save() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tree.mu.Lock()
	root := persistNode(p.tree.root)
	p.tree.mu.Unlock()

	data, err := json.MarshalIndent(snapshot{Version: snapshotVersion, Root: root}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(p.dataDir, snapshotFileName)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	p.dirty.Store(false)
	return nil
}

// persistNode copies the persistent subtree; ephemeral nodes are skipped.
func persistNode(n *node) *persistedNode {
	pn := &persistedNode{Data: n.data, Version: n.version}
	for name, child := range n.children {
		if child.ephemeralOwner != "" {
			continue
		}
		if pn.Children == nil {
			pn.Children = make(map[string]*persistedNode)
		}
		pn.Children[name] = persistNode(child)
	}
	return pn
}

func restoreNode(pn *persistedNode) *node {
	n := newNode()
	if pn == nil {
		return n
	}
	n.data = pn.Data
	n.version = pn.Version
	for name, child := range pn.Children {
		n.children[name] = restoreNode(child)
	}
	return n
}
