package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backendai/appproxy/api/types"
)

func TestTablePutAndBySlotKey(t *testing.T) {
	tbl := newCircuitTable()
	c := &types.Circuit{ID: "circuit-1", FrontendMode: types.FrontendModePort, Port: 10201}

	tbl.put(c)

	got, ok := tbl.bySlotKey("10201")
	require.True(t, ok)
	require.Equal(t, "circuit-1", got.ID)
}

func TestTablePutMovesSlotOnKeyChange(t *testing.T) {
	tbl := newCircuitTable()
	c := &types.Circuit{ID: "circuit-1", FrontendMode: types.FrontendModePort, Port: 10201}
	tbl.put(c)

	moved := &types.Circuit{ID: "circuit-1", FrontendMode: types.FrontendModePort, Port: 10202}
	tbl.put(moved)

	_, ok := tbl.bySlotKey("10201")
	require.False(t, ok)
	got, ok := tbl.bySlotKey("10202")
	require.True(t, ok)
	require.Equal(t, "circuit-1", got.ID)
}

func TestTableRemove(t *testing.T) {
	tbl := newCircuitTable()
	c := &types.Circuit{ID: "circuit-1", FrontendMode: types.FrontendModeWildcard, Subdomain: "abc123"}
	tbl.put(c)

	tbl.remove("circuit-1")

	_, ok := tbl.bySlotKey("abc123")
	require.False(t, ok)
}

func TestTableRemoveUnknownIsNoop(t *testing.T) {
	tbl := newCircuitTable()
	tbl.remove("does-not-exist")
	require.Empty(t, tbl.snapshot())
}

func TestTableSnapshot(t *testing.T) {
	tbl := newCircuitTable()
	tbl.put(&types.Circuit{ID: "circuit-1", FrontendMode: types.FrontendModePort, Port: 10201})
	tbl.put(&types.Circuit{ID: "circuit-2", FrontendMode: types.FrontendModePort, Port: 10202})

	snap := tbl.snapshot()
	require.Len(t, snap, 2)
}
