package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/backendai/appproxy/lib/backend"
)

func newTestBackend(t *testing.T, clock clockwork.Clock) *Backend {
	be, err := New(Config{Clock: clock})
	require.NoError(t, err)
	return be
}

func TestPutThenGet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	_, err := be.Put(context.Background(), backend.Item{Key: "a", Value: []byte("1")})
	require.NoError(t, err)

	got, err := be.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got.Value)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	_, err := be.Get(context.Background(), "nope")
	require.True(t, trace.IsNotFound(err))
}

func TestGetExpiredItemIsNotFoundAndEvicted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	_, err := be.Put(context.Background(), backend.Item{Key: "a", Value: []byte("1"), Expires: clock.Now().Add(time.Second)})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = be.Get(context.Background(), "a")
	require.True(t, trace.IsNotFound(err))

	_, err = be.GetRange(context.Background(), "")
	require.NoError(t, err)
}

func TestGetRangeFiltersByPrefixAndSortsByKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	for _, k := range []string{"prefix/c", "prefix/a", "prefix/b", "other/x"} {
		_, err := be.Put(context.Background(), backend.Item{Key: k, Value: []byte(k)})
		require.NoError(t, err)
	}

	items, err := be.GetRange(context.Background(), "prefix/")
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "prefix/a", items[0].Key)
	require.Equal(t, "prefix/b", items[1].Key)
	require.Equal(t, "prefix/c", items[2].Key)
}

func TestCompareAndSwapCreateOnly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	_, err := be.CompareAndSwap(context.Background(), backend.Item{Key: "a", Value: []byte("1")}, nil)
	require.NoError(t, err)

	_, err = be.CompareAndSwap(context.Background(), backend.Item{Key: "a", Value: []byte("2")}, nil)
	require.True(t, trace.IsCompareFailed(err))
}

func TestCompareAndSwapRequiresExactMatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	_, err := be.Put(context.Background(), backend.Item{Key: "a", Value: []byte("1")})
	require.NoError(t, err)

	_, err = be.CompareAndSwap(context.Background(), backend.Item{Key: "a", Value: []byte("2")}, []byte("wrong"))
	require.True(t, trace.IsCompareFailed(err))

	_, err = be.CompareAndSwap(context.Background(), backend.Item{Key: "a", Value: []byte("2")}, []byte("1"))
	require.NoError(t, err)

	got, err := be.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got.Value)
}

func TestCompareAndSwapFailsWhenExpectedButMissing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	_, err := be.CompareAndSwap(context.Background(), backend.Item{Key: "a", Value: []byte("1")}, []byte("anything"))
	require.True(t, trace.IsCompareFailed(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	_, err := be.Put(context.Background(), backend.Item{Key: "a", Value: []byte("1")})
	require.NoError(t, err)

	require.NoError(t, be.Delete(context.Background(), "a"))
	require.NoError(t, be.Delete(context.Background(), "a"))

	_, err = be.Get(context.Background(), "a")
	require.True(t, trace.IsNotFound(err))
}

func TestDeleteRangeRemovesAllMatchingKeys(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	for _, k := range []string{"prefix/a", "prefix/b", "other/x"} {
		_, err := be.Put(context.Background(), backend.Item{Key: k, Value: []byte(k)})
		require.NoError(t, err)
	}

	require.NoError(t, be.DeleteRange(context.Background(), "prefix/"))

	items, err := be.GetRange(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "other/x", items[0].Key)
}

func TestWatcherReceivesPutAndDeleteEvents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	w, err := be.NewWatcher(context.Background(), "prefix/")
	require.NoError(t, err)
	defer w.Close()

	_, err = be.Put(context.Background(), backend.Item{Key: "prefix/a", Value: []byte("1")})
	require.NoError(t, err)

	select {
	case ev := <-w.Events():
		require.Equal(t, backend.EventPut, ev.Type)
		require.Equal(t, "prefix/a", ev.Item.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for put event")
	}

	require.NoError(t, be.Delete(context.Background(), "prefix/a"))

	select {
	case ev := <-w.Events():
		require.Equal(t, backend.EventDelete, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete event")
	}
}

func TestWatcherIgnoresNonMatchingPrefix(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	w, err := be.NewWatcher(context.Background(), "prefix/")
	require.NoError(t, err)
	defer w.Close()

	_, err = be.Put(context.Background(), backend.Item{Key: "other/a", Value: []byte("1")})
	require.NoError(t, err)

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for non-matching prefix: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseClosesAllWatchers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newTestBackend(t, clock)

	w, err := be.NewWatcher(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, be.Close())

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("expected watcher Done channel to be closed")
	}
}
