package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/casesync/internal/store"
)

func openStatusStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func TestCollectStatus_StableTableOrder(t *testing.T) {
	t.Parallel()

	st := openStatusStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutRecords(ctx, []store.RecordRow{
		{ID: "r1", TableID: "zeta", Payload: []byte("sealed"), LastSynced: 1},
		{ID: "r2", TableID: "alpha", Payload: []byte("sealed"), LastSynced: 1},
		{ID: "r3", TableID: "mid", Payload: []byte("sealed"), LastSynced: 1},
	}))

	// Only one table has a metadata row; the others show up from record
	// counts alone.
	require.NoError(t, st.UpsertTable(ctx, store.TableRow{TableID: "mid", Name: "cases", RecordCount: 1}))

	report, err := collectStatus(ctx, st, "test.db")
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalRecords)

	ids := make([]string, 0, len(report.Tables))
	for _, tbl := range report.Tables {
		ids = append(ids, tbl.TableID)
	}

	// Known tables first, then metadata-less tables in sorted order.
	assert.Equal(t, []string{"mid", "alpha", "zeta"}, ids)
}

func TestCollectStatus_MergesCursors(t *testing.T) {
	t.Parallel()

	st := openStatusStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTable(ctx, store.TableRow{TableID: "t1", Name: "cases", RecordCount: 2}))
	require.NoError(t, st.PutCursor(ctx, store.CursorRow{
		TableID:   "t1",
		Cursor:    "tok-9",
		Source:    "server-issued",
		UpdatedAt: 1700000000000,
	}))

	report, err := collectStatus(ctx, st, "test.db")
	require.NoError(t, err)
	require.Len(t, report.Tables, 1)

	tbl := report.Tables[0]
	assert.Equal(t, "cases", tbl.Name)
	assert.Equal(t, "tok-9", tbl.Cursor)
	assert.Equal(t, "server-issued", tbl.Source)
	assert.NotEmpty(t, tbl.UpdatedAt)
}
