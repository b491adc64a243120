package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helmsman-io/helmsman/internal/model"
	"github.com/helmsman-io/helmsman/internal/store"
	"github.com/helmsman-io/helmsman/internal/store/memstore"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

func newAccessor(t *testing.T) *store.Accessor {
	t.Helper()
	return store.NewAccessor(memstore.New().Connect())
}

func TestAccessor_RecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newAccessor(t)

	rec := model.NewRecord("res")
	rec.SetSimpleField("K", "V")
	created, err := a.CreateRecord(ctx, "/c/IDEALSTATES/res", rec, store.Persistent)
	require.NoError(t, err)
	require.Equal(t, "/c/IDEALSTATES/res", created[len(created)-1], "target path created last")

	got, err := a.GetRecord(ctx, "/c/IDEALSTATES/res")
	require.NoError(t, err)
	require.Equal(t, "res", got.ID)
	require.Equal(t, "V", got.GetSimpleField("K"))
	require.Equal(t, int32(0), got.Version)
}

func TestAccessor_CreateRecursiveReturnsParents(t *testing.T) {
	ctx := context.Background()
	a := newAccessor(t)

	created, err := a.CreateRecursive(ctx, "/x/y/z", []byte("d"), store.Persistent)
	require.NoError(t, err)
	require.Equal(t, []string{"/x", "/x/y", "/x/y/z"}, created)
}

func TestAccessor_UpdateRecordCreatesMissing(t *testing.T) {
	ctx := context.Background()
	a := newAccessor(t)

	rec, err := a.UpdateRecord(ctx, "/c/cfg", "cfg", func(r *model.Record) error {
		r.SetSimpleField("A", "1")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "1", rec.GetSimpleField("A"))

	rec, err = a.UpdateRecord(ctx, "/c/cfg", "cfg", func(r *model.Record) error {
		r.SetSimpleField("B", "2")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "1", rec.GetSimpleField("A"), "earlier fields survive")
	require.Equal(t, "2", rec.GetSimpleField("B"))
}

func TestAccessor_UpdateRecordRetriesConflict(t *testing.T) {
	ctx := context.Background()
	conn := memstore.New().Connect()
	a := store.NewAccessor(conn)

	rec := model.NewRecord("n")
	_, err := a.CreateRecord(ctx, "/n", rec, store.Persistent)
	require.NoError(t, err)

	// Interleave a conflicting write on the first attempt.
	raced := false
	_, err = a.UpdateRecord(ctx, "/n", "n", func(r *model.Record) error {
		if !raced {
			raced = true
			_, serr := conn.Set(ctx, "/n", []byte(`{"id":"n"}`), store.AnyVersion)
			require.NoError(t, serr)
		}
		r.SetSimpleField("X", "1")
		return nil
	})
	require.NoError(t, err)

	got, err := a.GetRecord(ctx, "/n")
	require.NoError(t, err)
	require.Equal(t, "1", got.GetSimpleField("X"))
}

func TestAccessor_DeleteTolerant(t *testing.T) {
	ctx := context.Background()
	a := newAccessor(t)
	require.NoError(t, a.Delete(ctx, "/missing"))
}

func TestAccessor_DeleteRecursive(t *testing.T) {
	ctx := context.Background()
	a := newAccessor(t)

	_, err := a.CreateRecursive(ctx, "/a/b/c", nil, store.Persistent)
	require.NoError(t, err)
	require.NoError(t, a.DeleteRecursive(ctx, "/a"))

	ok, _, err := a.Store().Exists(ctx, "/a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAccessor_ChildRecords(t *testing.T) {
	ctx := context.Background()
	a := newAccessor(t)

	for i := 0; i < 3; i++ {
		rec := model.NewRecord(fmt.Sprintf("r%d", i))
		_, err := a.CreateRecord(ctx, fmt.Sprintf("/p/r%d", i), rec, store.Persistent)
		require.NoError(t, err)
	}

	recs, err := a.ChildRecords(ctx, "/p")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "r1", recs["r1"].ID)

	recs, err = a.ChildRecords(ctx, "/absent")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestBatch_CreateSecondPassAndRollback(t *testing.T) {
	ctx := context.Background()
	a := newAccessor(t)

	paths := []string{"/q/m/a", "/q/m/b"}
	records := []*model.Record{model.NewRecord("a"), model.NewRecord("b")}
	results, created := a.CreateRecordsBatch(ctx, paths, records, store.Persistent)
	for i, res := range results {
		require.NoError(t, res.Err, "create %s", paths[i])
	}
	require.Contains(t, created, "/q/m/a")
	require.Contains(t, created, "/q/m/b")

	a.RollbackCreated(ctx, created)
	for _, p := range paths {
		ok, _, err := a.Store().Exists(ctx, p)
		require.NoError(t, err)
		require.False(t, ok, "%s should be rolled back", p)
	}
}

func TestBatch_GetReportsPerIndexErrors(t *testing.T) {
	ctx := context.Background()
	a := newAccessor(t)

	_, err := a.CreateRecursive(ctx, "/ok", []byte("x"), store.Persistent)
	require.NoError(t, err)

	results := a.GetBatch(ctx, []string{"/ok", "/missing"})
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, herrors.ErrNoNode)
}

func TestBatch_DeleteToleratesMissing(t *testing.T) {
	ctx := context.Background()
	a := newAccessor(t)

	_, err := a.CreateRecursive(ctx, "/d1", nil, store.Persistent)
	require.NoError(t, err)

	results := a.DeleteBatch(ctx, []string{"/d1", "/never"})
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
}
