package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/helmsman-io/helmsman/internal/model"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

const (
	// maxUpdateRetries bounds the CAS loop in UpdateRecord.
	maxUpdateRetries = 10

	// defaultOpTimeout is applied when the caller's context has no deadline.
	defaultOpTimeout = 10 * time.Second
)

// Accessor layers record typing, recursive path creation, CAS updates and
// batched access on top of a raw Store.
type Accessor struct {
	store Store
}

func NewAccessor(s Store) *Accessor {
	return &Accessor{store: s}
}

func (a *Accessor) Store() Store { return a.store }

func (a *Accessor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultOpTimeout)
}

// GetRecord reads and decodes a record, stamping the store version.
func (a *Accessor) GetRecord(ctx context.Context, path string) (*model.Record, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	data, stat, err := a.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	rec, err := model.UnmarshalRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode record at %s: %w", path, err)
	}
	rec.Version = stat.Version
	return rec, nil
}

// SetRecord writes a record with an optimistic version check. On ErrNoNode
// the missing parents and the node itself are created.
func (a *Accessor) SetRecord(ctx context.Context, path string, rec *model.Record, version int32) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", path, err)
	}
	_, err = a.store.Set(ctx, path, data, version)
	if errors.Is(err, herrors.ErrNoNode) {
		_, cerr := a.CreateRecursive(ctx, path, data, Persistent)
		return cerr
	}
	return err
}

// CreateRecord creates a node holding the record, creating parents as needed.
// The returned list holds every path created, deepest last, so callers can
// roll back.
func (a *Accessor) CreateRecord(ctx context.Context, path string, rec *model.Record, mode CreateMode) ([]string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	data, err := rec.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode record for %s: %w", path, err)
	}
	return a.CreateRecursive(ctx, path, data, mode)
}

// CreateRecursive creates path with data, recursively creating missing
// parents as persistent empty nodes.
func (a *Accessor) CreateRecursive(ctx context.Context, path string, data []byte, mode CreateMode) ([]string, error) {
	var created []string
	err := a.store.Create(ctx, path, data, mode)
	if errors.Is(err, herrors.ErrNoNode) {
		parent := ParentPath(path)
		if parent == "" {
			return created, err
		}
		parentCreated, perr := a.CreateRecursive(ctx, parent, nil, Persistent)
		created = append(created, parentCreated...)
		if perr != nil && !errors.Is(perr, herrors.ErrNodeExists) {
			return created, perr
		}
		err = a.store.Create(ctx, path, data, mode)
	}
	if err != nil {
		return created, err
	}
	return append(created, path), nil
}

// UpdateRecord reads the record at path, applies fn and writes it back with
// the read version, retrying on conflict. A missing node escalates to create
// with fn applied to a fresh record.
func (a *Accessor) UpdateRecord(ctx context.Context, path string, id string, fn func(*model.Record) error) (*model.Record, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := a.GetRecord(ctx, path)
		switch {
		case errors.Is(err, herrors.ErrNoNode):
			rec = model.NewRecord(id)
			if err := fn(rec); err != nil {
				return nil, err
			}
			data, merr := rec.Marshal()
			if merr != nil {
				return nil, merr
			}
			if _, cerr := a.CreateRecursive(ctx, path, data, Persistent); cerr != nil {
				if errors.Is(cerr, herrors.ErrNodeExists) {
					continue // raced with another creator
				}
				return nil, cerr
			}
			return rec, nil
		case err != nil:
			return nil, err
		}

		if err := fn(rec); err != nil {
			return nil, err
		}
		data, merr := rec.Marshal()
		if merr != nil {
			return nil, merr
		}
		stat, serr := a.store.Set(ctx, path, data, rec.Version)
		switch {
		case serr == nil:
			rec.Version = stat.Version
			return rec, nil
		case errors.Is(serr, herrors.ErrBadVersion):
			continue
		case errors.Is(serr, herrors.ErrNoNode):
			continue // deleted under us, recreate on next attempt
		default:
			return nil, serr
		}
	}
	return nil, fmt.Errorf("update %s: %w", path, herrors.ErrBadVersion)
}

// Delete removes a node unconditionally, tolerating absence.
func (a *Accessor) Delete(ctx context.Context, path string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	err := a.store.Delete(ctx, path, AnyVersion)
	if errors.Is(err, herrors.ErrNoNode) {
		return nil
	}
	return err
}

// DeleteRecursive removes a node and all descendants.
func (a *Accessor) DeleteRecursive(ctx context.Context, path string) error {
	children, err := a.store.GetChildren(ctx, path)
	if errors.Is(err, herrors.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := a.DeleteRecursive(ctx, path+"/"+child); err != nil {
			return err
		}
	}
	return a.Delete(ctx, path)
}

// ChildRecords reads every child record under a parent in one batch.
// Children that disappear between the list and the read are skipped; any
// other failure is reported so callers can treat the subtree as incomplete.
func (a *Accessor) ChildRecords(ctx context.Context, parent string) (map[string]*model.Record, error) {
	children, err := a.store.GetChildren(ctx, parent)
	if errors.Is(err, herrors.ErrNoNode) {
		return map[string]*model.Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(children))
	for i, child := range children {
		paths[i] = parent + "/" + child
	}
	results := a.GetBatch(ctx, paths)

	out := make(map[string]*model.Record, len(children))
	for i, res := range results {
		if errors.Is(res.Err, herrors.ErrNoNode) {
			continue
		}
		if res.Err != nil {
			return nil, fmt.Errorf("read child %s: %w", paths[i], res.Err)
		}
		rec, derr := model.UnmarshalRecord(res.Data)
		if derr != nil {
			return nil, fmt.Errorf("decode child %s: %w", paths[i], derr)
		}
		rec.Version = res.Stat.Version
		out[children[i]] = rec
	}
	return out, nil
}
