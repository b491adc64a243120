package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helmsman-io/helmsman/internal/store"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

func TestConn_CreateGetSet(t *testing.T) {
	ctx := context.Background()
	c := New().Connect()

	require.NoError(t, c.Create(ctx, "/a", []byte("one"), store.Persistent))

	data, stat, err := c.Get(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), data)
	require.Equal(t, int32(0), stat.Version)

	stat, err = c.Set(ctx, "/a", []byte("two"), 0)
	require.NoError(t, err)
	require.Equal(t, int32(1), stat.Version)

	_, err = c.Set(ctx, "/a", []byte("three"), 0)
	require.ErrorIs(t, err, herrors.ErrBadVersion)

	_, err = c.Set(ctx, "/a", []byte("three"), store.AnyVersion)
	require.NoError(t, err)
}

func TestConn_CreateRequiresParent(t *testing.T) {
	ctx := context.Background()
	c := New().Connect()

	err := c.Create(ctx, "/a/b", nil, store.Persistent)
	require.ErrorIs(t, err, herrors.ErrNoNode)

	require.NoError(t, c.Create(ctx, "/a", nil, store.Persistent))
	require.NoError(t, c.Create(ctx, "/a/b", nil, store.Persistent))

	err = c.Create(ctx, "/a/b", nil, store.Persistent)
	require.ErrorIs(t, err, herrors.ErrNodeExists)
}

func TestConn_DeleteVersioned(t *testing.T) {
	ctx := context.Background()
	c := New().Connect()

	require.NoError(t, c.Create(ctx, "/a", nil, store.Persistent))
	_, err := c.Set(ctx, "/a", []byte("x"), store.AnyVersion)
	require.NoError(t, err)

	require.ErrorIs(t, c.Delete(ctx, "/a", 0), herrors.ErrBadVersion)
	require.NoError(t, c.Delete(ctx, "/a", 1))
	require.ErrorIs(t, c.Delete(ctx, "/a", store.AnyVersion), herrors.ErrNoNode)
}

func TestConn_GetChildrenSorted(t *testing.T) {
	ctx := context.Background()
	c := New().Connect()

	require.NoError(t, c.Create(ctx, "/r", nil, store.Persistent))
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, c.Create(ctx, "/r/"+name, nil, store.Persistent))
	}

	children, err := c.GetChildren(ctx, "/r")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, children)
}

func TestConn_EphemeralsDieWithSession(t *testing.T) {
	ctx := context.Background()
	tree := New()
	c1 := tree.Connect()
	c2 := tree.Connect()

	require.NoError(t, c1.Create(ctx, "/live", nil, store.Persistent))
	require.NoError(t, c1.Create(ctx, "/live/i1", nil, store.Ephemeral))
	require.NoError(t, c2.Create(ctx, "/live/i2", nil, store.Ephemeral))

	require.NoError(t, c1.Close())

	ok, _, err := c2.Exists(ctx, "/live/i1")
	require.NoError(t, err)
	require.False(t, ok, "c1's ephemeral should be gone")

	ok, stat, err := c2.Exists(ctx, "/live/i2")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stat.Ephemeral)
}

func TestConn_ClosedSessionRefusesOps(t *testing.T) {
	ctx := context.Background()
	c := New().Connect()
	require.NoError(t, c.Close())

	_, _, err := c.Get(ctx, "/a")
	require.ErrorIs(t, err, herrors.ErrStoreClosed)
	require.ErrorIs(t, c.Create(ctx, "/a", nil, store.Persistent), herrors.ErrStoreClosed)
}

func TestWatchData_FiresOnSetAndDelete(t *testing.T) {
	ctx := context.Background()
	tree := New()
	c := tree.Connect()

	require.NoError(t, c.Create(ctx, "/a", nil, store.Persistent))
	events, cancel, err := c.WatchData("/a")
	require.NoError(t, err)
	defer cancel()

	_, err = c.Set(ctx, "/a", []byte("x"), store.AnyVersion)
	require.NoError(t, err)
	ev := waitEvent(t, events)
	require.Equal(t, store.EventDataChanged, ev.Type)
	require.Equal(t, "/a", ev.Path)

	require.NoError(t, c.Delete(ctx, "/a", store.AnyVersion))
	ev = waitEvent(t, events)
	require.Equal(t, store.EventDeleted, ev.Type)
}

func TestWatchChildren_FiresOnMembershipChange(t *testing.T) {
	ctx := context.Background()
	tree := New()
	c := tree.Connect()

	require.NoError(t, c.Create(ctx, "/r", nil, store.Persistent))
	events, cancel, err := c.WatchChildren("/r")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, c.Create(ctx, "/r/x", nil, store.Persistent))
	ev := waitEvent(t, events)
	require.Equal(t, store.EventChildrenChanged, ev.Type)

	require.NoError(t, c.Delete(ctx, "/r/x", store.AnyVersion))
	ev = waitEvent(t, events)
	require.Equal(t, store.EventChildrenChanged, ev.Type)
}

func TestWatch_CancelledWatchStaysSilent(t *testing.T) {
	ctx := context.Background()
	tree := New()
	c := tree.Connect()

	require.NoError(t, c.Create(ctx, "/a", nil, store.Persistent))
	events, cancel, err := c.WatchData("/a")
	require.NoError(t, err)
	cancel()

	_, err = c.Set(ctx, "/a", []byte("x"), store.AnyVersion)
	require.NoError(t, err)

	select {
	case ev := <-events:
		t.Fatalf("cancelled watch fired: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose_SignalsSessionLoss(t *testing.T) {
	tree := New()
	c := tree.Connect()

	events, _, err := c.WatchData("/whatever")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	ev := waitEvent(t, events)
	require.Equal(t, store.EventSessionLost, ev.Type)
}

func TestSessions_HaveDistinctIDs(t *testing.T) {
	tree := New()
	c1, c2 := tree.Connect(), tree.Connect()
	require.NotEmpty(t, c1.SessionID())
	require.NotEqual(t, c1.SessionID(), c2.SessionID())
}

func waitEvent(t *testing.T, ch <-chan store.Event) store.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return store.Event{}
	}
}
