package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// RecordRow is one row of the records partition. Payload is the encrypted
// field map; the store never sees plaintext.
type RecordRow struct {
	ID         string
	TableID    string
	TableName  string
	Payload    []byte
	LastSynced int64 // unix milliseconds, authoritative timestamp
}

// CursorRow is one row of the sync partition.
type CursorRow struct {
	TableID   string
	Cursor    string
	Source    string
	UpdatedAt int64 // unix milliseconds
}

// TableRow is one row of the tables partition.
type TableRow struct {
	TableID     string
	Name        string
	RecordCount int
}

// PutRecords upserts a batch of records in a single transaction. Rows commit
// in slice order. An empty batch is a no-op.
func (s *Store) PutRecords(ctx context.Context, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin record batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (id, table_id, table_name, payload, last_synced)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   table_id = excluded.table_id,
		   table_name = excluded.table_name,
		   payload = excluded.payload,
		   last_synced = excluded.last_synced`)
	if err != nil {
		return fmt.Errorf("store: prepare record upsert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		r := &rows[i]
		if _, err := stmt.ExecContext(ctx, r.ID, r.TableID, r.TableName, r.Payload, r.LastSynced); err != nil {
			return fmt.Errorf("store: upsert record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit record batch: %w", err)
	}

	s.logger.Debug("record batch committed", slog.Int("count", len(rows)))

	return nil
}

// GetRecord returns one record by id, or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (*RecordRow, error) {
	var r RecordRow

	err := s.db.QueryRowContext(ctx,
		`SELECT id, table_id, table_name, payload, last_synced FROM records WHERE id = ?`, id).
		Scan(&r.ID, &r.TableID, &r.TableName, &r.Payload, &r.LastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: get record %s: %w", id, err)
	}

	return &r, nil
}

// RecordsByTable returns all records for a table via the secondary index,
// ordered by id for deterministic iteration.
func (s *Store) RecordsByTable(ctx context.Context, tableID string) ([]RecordRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_id, table_name, payload, last_synced
		 FROM records WHERE table_id = ? ORDER BY id`, tableID)
	if err != nil {
		return nil, fmt.Errorf("store: records by table %s: %w", tableID, err)
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

// ListRecords returns up to limit records with id > afterID, ordered by id.
// Keyset pagination keeps rekey batches bounded without a long-lived cursor.
func (s *Store) ListRecords(ctx context.Context, afterID string, limit int) ([]RecordRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_id, table_name, payload, last_synced
		 FROM records WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list records after %q: %w", afterID, err)
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

func scanRecordRows(rows *sql.Rows) ([]RecordRow, error) {
	var result []RecordRow

	for rows.Next() {
		var r RecordRow
		if err := rows.Scan(&r.ID, &r.TableID, &r.TableName, &r.Payload, &r.LastSynced); err != nil {
			return nil, fmt.Errorf("store: scanning record row: %w", err)
		}

		result = append(result, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating record rows: %w", err)
	}

	return result, nil
}

// DeleteTableRecords removes every record for a table, returning the number
// of rows deleted. Used for clear-before-write on full fetches.
func (s *Store) DeleteTableRecords(ctx context.Context, tableID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE table_id = ?`, tableID)
	if err != nil {
		return 0, fmt.Errorf("store: clearing table %s: %w", tableID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: clearing table %s rows affected: %w", tableID, err)
	}

	return n, nil
}

// DeleteRecord removes a single record. Missing rows are not an error.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete record %s: %w", id, err)
	}

	return nil
}

// CountRecords returns the total number of records across all tables.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting records: %w", err)
	}

	return n, nil
}

// CountByTable returns record counts grouped by table id.
func (s *Store) CountByTable(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, COUNT(*) FROM records GROUP BY table_id`)
	if err != nil {
		return nil, fmt.Errorf("store: counting by table: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)

	for rows.Next() {
		var (
			tableID string
			n       int
		)

		if err := rows.Scan(&tableID, &n); err != nil {
			return nil, fmt.Errorf("store: scanning table count: %w", err)
		}

		counts[tableID] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating table counts: %w", err)
	}

	return counts, nil
}

// PurgeLocalData drops all records and cursors in one transaction. Crypto and
// table metadata survive; a purge is followed by full re-hydration, not by
// re-deriving keys.
func (s *Store) PurgeLocalData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("store: purging records: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync`); err != nil {
		return fmt.Errorf("store: purging cursors: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit purge: %w", err)
	}

	s.logger.Warn("local data purged, full re-hydration required")

	return nil
}

// GetCursor returns the cursor row for a table, or ErrNotFound.
func (s *Store) GetCursor(ctx context.Context, tableID string) (*CursorRow, error) {
	var c CursorRow

	err := s.db.QueryRowContext(ctx,
		`SELECT table_id, cursor, source, updated_at FROM sync WHERE table_id = ?`, tableID).
		Scan(&c.TableID, &c.Cursor, &c.Source, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: get cursor %s: %w", tableID, err)
	}

	return &c, nil
}

// PutCursor upserts a cursor row.
func (s *Store) PutCursor(ctx context.Context, c CursorRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync (table_id, cursor, source, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(table_id) DO UPDATE SET
		   cursor = excluded.cursor,
		   source = excluded.source,
		   updated_at = excluded.updated_at`,
		c.TableID, c.Cursor, c.Source, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put cursor %s: %w", c.TableID, err)
	}

	return nil
}

// ListCursors returns all cursor rows ordered by table id.
func (s *Store) ListCursors(ctx context.Context) ([]CursorRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, cursor, source, updated_at FROM sync ORDER BY table_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list cursors: %w", err)
	}
	defer rows.Close()

	var result []CursorRow

	for rows.Next() {
		var c CursorRow
		if err := rows.Scan(&c.TableID, &c.Cursor, &c.Source, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning cursor row: %w", err)
		}

		result = append(result, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating cursor rows: %w", err)
	}

	return result, nil
}

// UpsertTable records table metadata (display name, last observed count).
func (s *Store) UpsertTable(ctx context.Context, t TableRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tables (table_id, name, record_count) VALUES (?, ?, ?)
		 ON CONFLICT(table_id) DO UPDATE SET
		   name = excluded.name,
		   record_count = excluded.record_count`,
		t.TableID, t.Name, t.RecordCount)
	if err != nil {
		return fmt.Errorf("store: upsert table %s: %w", t.TableID, err)
	}

	return nil
}

// ListTables returns all table metadata rows ordered by table id.
func (s *Store) ListTables(ctx context.Context) ([]TableRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, name, record_count FROM tables ORDER BY table_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list tables: %w", err)
	}
	defer rows.Close()

	var result []TableRow

	for rows.Next() {
		var t TableRow
		if err := rows.Scan(&t.TableID, &t.Name, &t.RecordCount); err != nil {
			return nil, fmt.Errorf("store: scanning table row: %w", err)
		}

		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating table rows: %w", err)
	}

	return result, nil
}

// GetCrypto returns the crypto partition value under key, or ErrNotFound.
func (s *Store) GetCrypto(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := s.db.QueryRowContext(ctx, `SELECT value FROM crypto WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: get crypto %q: %w", key, err)
	}

	return value, nil
}

// PutCrypto upserts a crypto partition value under a well-known key.
func (s *Store) PutCrypto(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crypto (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: put crypto %q: %w", key, err)
	}

	return nil
}
