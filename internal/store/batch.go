package store

import (
	"context"
	"errors"
	"sync"

	"github.com/helmsman-io/helmsman/internal/model"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// Result is the per-index outcome of one operation in a batch.
type Result struct {
	Path string
	Data []byte
	Stat Stat
	Err  error
}

// batchConcurrency bounds in-flight store calls per batch.
const batchConcurrency = 16

// runBatch issues fn for every path concurrently and awaits all outcomes.
// This is the collective await boundary: callers see only completed batches.
func runBatch(paths []string, fn func(i int, path string) Result) []Result {
	results := make([]Result, len(paths))
	sem := make(chan struct{}, batchConcurrency)
	var wg sync.WaitGroup

	for i, path := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = fn(i, path)
		}(i, path)
	}
	wg.Wait()
	return results
}

// GetBatch reads many paths, returning per-index outcomes.
func (a *Accessor) GetBatch(ctx context.Context, paths []string) []Result {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	return runBatch(paths, func(_ int, path string) Result {
		data, stat, err := a.store.Get(ctx, path)
		return Result{Path: path, Data: data, Stat: stat, Err: err}
	})
}

// CreateRecordsBatch creates one record per path. Paths failing with
// ErrNoNode get their parents created in a second pass and the create is
// retried, mirroring the batched auto-create contract. The returned created
// list includes every node written, for rollback on partial failure.
func (a *Accessor) CreateRecordsBatch(ctx context.Context, paths []string, records []*model.Record, mode CreateMode) ([]Result, []string) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	payloads := make([][]byte, len(paths))
	results := make([]Result, len(paths))
	for i, rec := range records {
		data, err := rec.Marshal()
		if err != nil {
			results[i] = Result{Path: paths[i], Err: err}
			continue
		}
		payloads[i] = data
	}

	first := runBatch(paths, func(i int, path string) Result {
		if results[i].Err != nil {
			return results[i]
		}
		err := a.store.Create(ctx, path, payloads[i], mode)
		return Result{Path: path, Err: err}
	})

	var created []string
	var createdMu sync.Mutex
	retry := runBatch(paths, func(i int, path string) Result {
		res := first[i]
		if !errors.Is(res.Err, herrors.ErrNoNode) {
			if res.Err == nil {
				createdMu.Lock()
				created = append(created, path)
				createdMu.Unlock()
			}
			return res
		}
		// Second pass: create missing parents, retry the original op.
		made, err := a.CreateRecursive(ctx, path, payloads[i], mode)
		createdMu.Lock()
		created = append(created, made...)
		createdMu.Unlock()
		return Result{Path: path, Err: err}
	})

	return retry, created
}

// SetRecordsBatch writes many records with per-path version checks.
func (a *Accessor) SetRecordsBatch(ctx context.Context, paths []string, records []*model.Record, versions []int32) []Result {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	return runBatch(paths, func(i int, path string) Result {
		data, err := records[i].Marshal()
		if err != nil {
			return Result{Path: path, Err: err}
		}
		stat, err := a.store.Set(ctx, path, data, versions[i])
		return Result{Path: path, Stat: stat, Err: err}
	})
}

// DeleteBatch removes many paths unconditionally, tolerating absence.
func (a *Accessor) DeleteBatch(ctx context.Context, paths []string) []Result {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	return runBatch(paths, func(_ int, path string) Result {
		err := a.store.Delete(ctx, path, AnyVersion)
		if errors.Is(err, herrors.ErrNoNode) {
			err = nil
		}
		return Result{Path: path, Err: err}
	})
}

// RollbackCreated best-effort deletes paths created by an abandoned batch,
// deepest first.
func (a *Accessor) RollbackCreated(ctx context.Context, created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		_ = a.Delete(ctx, created[i])
	}
}
