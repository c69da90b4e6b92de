package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casevault/casesync/internal/store"
	"github.com/casevault/casesync/internal/vault"
)

// Well-known crypto partition keys.
const (
	cryptoSaltMarkerKey   = "salt_scheme"
	cryptoVerifyTokenKey  = "verification_token"
	cryptoSaltMarkerValue = "casesync.salt.v1"
)

// rekeyBatchSize bounds one re-encryption transaction. Batches run across
// separate read and write transactions, never one all-encompassing one.
const rekeyBatchSize = 100

// ErrRehydrationRequired is returned by OpenRecordStore after a purge:
// neither the current nor the legacy key decrypts existing data, so local
// state was dropped and a full acquisition run is needed.
var ErrRehydrationRequired = errors.New("sync: local data purged, re-hydration required")

// RecordStore persists records encrypted at rest. Plaintext field maps exist
// only in memory; every payload is sealed under the session key with a fresh
// nonce before it reaches the store.
type RecordStore struct {
	store  *store.Store
	key    *vault.Key
	logger *slog.Logger
	now    func() time.Time
}

// OpenRecordStore verifies the session key against the stored verification
// token and returns a ready RecordStore.
//
// First run: no token exists, so one is written. Token mismatch with a
// legacy key available: records are re-encrypted under the current key.
// Mismatch with no usable key: local records and cursors are purged and
// ErrRehydrationRequired is returned alongside a usable (empty) store —
// a password change is not data corruption and needs no manual intervention.
func OpenRecordStore(ctx context.Context, st *store.Store, key, legacy *vault.Key, logger *slog.Logger) (*RecordStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rs := &RecordStore{store: st, key: key, logger: logger, now: time.Now}

	token, err := st.GetCrypto(ctx, cryptoVerifyTokenKey)
	if errors.Is(err, store.ErrNotFound) {
		if err := rs.writeVerification(ctx); err != nil {
			return nil, err
		}

		return rs, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: loading verification token: %w", err)
	}

	if key.Verify(token) == nil {
		return rs, nil
	}

	if legacy != nil && legacy.Verify(token) == nil {
		logger.Info("password rotation detected, re-encrypting records")

		if _, err := rs.Rekey(ctx, legacy, key); err != nil {
			return nil, err
		}

		return rs, nil
	}

	// Neither key decrypts existing data: purge and re-hydrate.
	if err := st.PurgeLocalData(ctx); err != nil {
		return nil, err
	}

	if err := rs.writeVerification(ctx); err != nil {
		return nil, err
	}

	return rs, ErrRehydrationRequired
}

// RekeyStore migrates all records from oldKey to newKey. Unlike the
// open-time rotation path it never purges: a token matching neither key is
// an error, so a mistyped legacy password cannot destroy local data.
// Returns the number of records migrated; zero with a nil error means the
// store is already sealed under newKey.
func RekeyStore(ctx context.Context, st *store.Store, oldKey, newKey *vault.Key, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rs := &RecordStore{store: st, key: newKey, logger: logger, now: time.Now}

	token, err := st.GetCrypto(ctx, cryptoVerifyTokenKey)
	if errors.Is(err, store.ErrNotFound) {
		if err := rs.writeVerification(ctx); err != nil {
			return 0, err
		}

		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("sync: loading verification token: %w", err)
	}

	if newKey.Verify(token) == nil {
		return 0, nil
	}

	if oldKey == nil || oldKey.Verify(token) != nil {
		return 0, errors.New("sync: rekey: stored data matches neither the current nor the legacy key")
	}

	rs.key = oldKey

	return rs.Rekey(ctx, oldKey, newKey)
}

// writeVerification stores the salt marker and a fresh verification token
// under the current key.
func (r *RecordStore) writeVerification(ctx context.Context) error {
	token, err := r.key.VerificationToken()
	if err != nil {
		return fmt.Errorf("sync: creating verification token: %w", err)
	}

	if err := r.store.PutCrypto(ctx, cryptoSaltMarkerKey, []byte(cryptoSaltMarkerValue)); err != nil {
		return err
	}

	return r.store.PutCrypto(ctx, cryptoVerifyTokenKey, token)
}

// PutBatch encrypts and persists records in one batched transaction,
// committing in slice order.
func (r *RecordStore) PutBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]store.RecordRow, 0, len(records))

	for i := range records {
		row, err := r.sealRecord(&records[i])
		if err != nil {
			return err
		}

		rows = append(rows, row)
	}

	return r.store.PutRecords(ctx, rows)
}

// sealRecord marshals and encrypts one record's field map.
func (r *RecordStore) sealRecord(rec *Record) (store.RecordRow, error) {
	plaintext, err := json.Marshal(rec.Fields)
	if err != nil {
		return store.RecordRow{}, fmt.Errorf("sync: encoding fields for %s: %w", rec.ID, err)
	}

	payload, err := r.key.Encrypt(plaintext)
	if err != nil {
		return store.RecordRow{}, fmt.Errorf("sync: encrypting record %s: %w", rec.ID, err)
	}

	return store.RecordRow{
		ID:         rec.ID,
		TableID:    rec.TableID,
		TableName:  rec.TableName,
		Payload:    payload,
		LastSynced: rec.LastSynced.UnixMilli(),
	}, nil
}

// openRecord decrypts one stored row back into a Record.
func (r *RecordStore) openRecord(row *store.RecordRow) (*Record, error) {
	plaintext, err := r.key.Decrypt(row.Payload)
	if err != nil {
		return nil, fmt.Errorf("sync: decrypting record %s: %w", row.ID, err)
	}

	var fields map[string]any
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("sync: decoding fields for %s: %w", row.ID, err)
	}

	if fields == nil {
		fields = make(map[string]any)
	}

	return &Record{
		ID:         row.ID,
		TableID:    row.TableID,
		TableName:  row.TableName,
		Fields:     fields,
		LastSynced: time.UnixMilli(row.LastSynced),
	}, nil
}

// Get returns one decrypted record, or nil when it does not exist.
func (r *RecordStore) Get(ctx context.Context, id string) (*Record, error) {
	row, err := r.store.GetRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return r.openRecord(row)
}

// TableRecords returns all decrypted records for a table.
func (r *RecordStore) TableRecords(ctx context.Context, tableID string) ([]Record, error) {
	rows, err := r.store.RecordsByTable(ctx, tableID)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))

	for i := range rows {
		rec, err := r.openRecord(&rows[i])
		if err != nil {
			return nil, err
		}

		records = append(records, *rec)
	}

	return records, nil
}

// ClearTable removes every record of a table (clear-before-write for full
// fetches). Returns the number of rows removed.
func (r *RecordStore) ClearTable(ctx context.Context, tableID string) (int64, error) {
	return r.store.DeleteTableRecords(ctx, tableID)
}

// Rekey re-encrypts all records from oldKey to newKey in bounded batches,
// each batch a separate read then write transaction. Returns the number of
// records migrated this run. Rows already sealed under newKey are skipped,
// so a migration cut short mid-way resumes cleanly on the next attempt
// instead of failing on its own partial progress. A record neither key
// decrypts fails the migration. The verification token is rewritten under
// the new key on success.
func (r *RecordStore) Rekey(ctx context.Context, oldKey, newKey *vault.Key) (int, error) {
	migrated := 0
	afterID := ""

	for {
		rows, err := r.store.ListRecords(ctx, afterID, rekeyBatchSize)
		if err != nil {
			return migrated, err
		}

		if len(rows) == 0 {
			break
		}

		batch := make([]store.RecordRow, 0, len(rows))

		for i := range rows {
			plaintext, err := oldKey.Decrypt(rows[i].Payload)
			if err != nil {
				// An earlier interrupted migration left this row under the
				// new key already.
				if _, newErr := newKey.Decrypt(rows[i].Payload); newErr == nil {
					continue
				}

				return migrated, fmt.Errorf("sync: rekey: neither key decrypts record %s: %w", rows[i].ID, err)
			}

			sealed, err := newKey.Encrypt(plaintext)
			if err != nil {
				return migrated, fmt.Errorf("sync: rekey: encrypting record %s: %w", rows[i].ID, err)
			}

			rows[i].Payload = sealed
			batch = append(batch, rows[i])
		}

		if len(batch) > 0 {
			if err := r.store.PutRecords(ctx, batch); err != nil {
				return migrated, err
			}
		}

		migrated += len(batch)
		afterID = rows[len(rows)-1].ID

		r.logger.Debug("rekey batch complete",
			slog.Int("batch", len(batch)),
			slog.Int("migrated", migrated),
		)
	}

	prevKey := r.key
	r.key = newKey

	if err := r.writeVerification(ctx); err != nil {
		r.key = prevKey
		return migrated, err
	}

	r.logger.Info("key migration complete", slog.Int("records", migrated))

	return migrated, nil
}
