package store

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	return st
}

func TestOpen_RunsMigrations(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)

	// All four partitions exist after migration.
	ctx := context.Background()

	n, err := st.CountRecords(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = st.GetCursor(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.GetCrypto(ctx, "verification_token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRecords_UpsertRoundtrip(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	rows := []RecordRow{
		{ID: "r1", TableID: "t1", TableName: "cases", Payload: []byte("sealed-1"), LastSynced: 100},
		{ID: "r2", TableID: "t1", TableName: "cases", Payload: []byte("sealed-2"), LastSynced: 200},
	}
	require.NoError(t, st.PutRecords(ctx, rows))

	got, err := st.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TableID)
	assert.Equal(t, []byte("sealed-1"), got.Payload)

	// Upsert replaces the payload in place.
	rows[0].Payload = []byte("sealed-1b")
	require.NoError(t, st.PutRecords(ctx, rows[:1]))

	got, err = st.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-1b"), got.Payload)

	n, err := st.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetRecord_NotFound(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)

	_, err := st.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecords_KeysetPagination(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	rows := []RecordRow{
		{ID: "a", TableID: "t1", Payload: []byte("1")},
		{ID: "b", TableID: "t1", Payload: []byte("2")},
		{ID: "c", TableID: "t2", Payload: []byte("3")},
	}
	require.NoError(t, st.PutRecords(ctx, rows))

	page, err := st.ListRecords(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].ID)
	assert.Equal(t, "b", page[1].ID)

	page, err = st.ListRecords(ctx, "b", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)
}

func TestDeleteTableRecords(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutRecords(ctx, []RecordRow{
		{ID: "a", TableID: "t1", Payload: []byte("1")},
		{ID: "b", TableID: "t1", Payload: []byte("2")},
		{ID: "c", TableID: "t2", Payload: []byte("3")},
	}))

	n, err := st.DeleteTableRecords(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	counts, err := st.CountByTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"t2": 1}, counts)
}

func TestCursors_Roundtrip(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	c := CursorRow{TableID: "t1", Cursor: "1000", Source: "server-issued", UpdatedAt: 42}
	require.NoError(t, st.PutCursor(ctx, c))

	got, err := st.GetCursor(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, c, *got)

	c.Cursor = "2000"
	require.NoError(t, st.PutCursor(ctx, c))

	all, err := st.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "2000", all[0].Cursor)
}

func TestPurgeLocalData_PreservesCrypto(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutRecords(ctx, []RecordRow{{ID: "a", TableID: "t1", Payload: []byte("1")}}))
	require.NoError(t, st.PutCursor(ctx, CursorRow{TableID: "t1", Cursor: "1"}))
	require.NoError(t, st.PutCrypto(ctx, "verification_token", []byte("token")))

	require.NoError(t, st.PurgeLocalData(ctx))

	n, err := st.CountRecords(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = st.GetCursor(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Key verification material survives the purge.
	token, err := st.GetCrypto(ctx, "verification_token")
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), token)
}

func TestTables_UpsertAndList(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTable(ctx, TableRow{TableID: "t2", Name: "notes", RecordCount: 5}))
	require.NoError(t, st.UpsertTable(ctx, TableRow{TableID: "t1", Name: "cases", RecordCount: 3}))
	require.NoError(t, st.UpsertTable(ctx, TableRow{TableID: "t1", Name: "cases", RecordCount: 4}))

	tables, err := st.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "t1", tables[0].TableID)
	assert.Equal(t, 4, tables[0].RecordCount)
	assert.Equal(t, "t2", tables[1].TableID)
}
