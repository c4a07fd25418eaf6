package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Postgres is the production Store backed by database/sql + lib/pq.
type Postgres struct {
	db *sql.DB
}

const pgUniqueViolation = "23505"

// schema is applied on open. Statement-level atomicity plus the unique
// constraints here are the store's whole consistency contract; the per-agent
// actor discipline handles everything above row level.
const schema = `
CREATE TABLE IF NOT EXISTS records (
	id            TEXT PRIMARY KEY,
	did           TEXT NOT NULL,
	collection    TEXT NOT NULL,
	rkey          TEXT NOT NULL,
	ciphertext    BYTEA NOT NULL,
	encrypted_dek BYTEA,
	nonce         BYTEA NOT NULL,
	public        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    BIGINT NOT NULL,
	updated_at    BIGINT,
	deleted_at    BIGINT,
	UNIQUE (did, collection, rkey)
);
CREATE INDEX IF NOT EXISTS records_did_idx ON records (did);
CREATE INDEX IF NOT EXISTS records_collection_idx ON records (collection);
CREATE INDEX IF NOT EXISTS records_did_collection_idx ON records (did, collection);
CREATE INDEX IF NOT EXISTS records_created_at_idx ON records (created_at);

CREATE TABLE IF NOT EXISTS shared_records (
	id            BIGSERIAL PRIMARY KEY,
	record_id     TEXT NOT NULL REFERENCES records(id),
	recipient_did TEXT NOT NULL,
	encrypted_dek BYTEA NOT NULL,
	shared_at     BIGINT NOT NULL,
	UNIQUE (record_id, recipient_did)
);
CREATE INDEX IF NOT EXISTS shared_records_recipient_idx ON shared_records (recipient_did);

CREATE TABLE IF NOT EXISTS agent_registry (
	name       TEXT PRIMARY KEY,
	did        TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
`

// OpenPostgres connects to dsn, verifies connectivity and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Insert(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO records (id, did, collection, rkey, ciphertext, encrypted_dek, nonce, public, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.DID, rec.Collection, rec.RKey,
		rec.Ciphertext, rec.EncryptedDEK, rec.Nonce, rec.Public, rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateByID(ctx context.Context, id string, upd RecordUpdate) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE records SET
			ciphertext    = COALESCE($2, ciphertext),
			nonce         = COALESCE($3, nonce),
			encrypted_dek = COALESCE($4, encrypted_dek),
			public        = COALESCE($5, public),
			updated_at    = COALESCE($6, updated_at)
		WHERE id = $1 AND deleted_at IS NULL`,
		id, upd.Ciphertext, upd.Nonce, upd.EncryptedDEK, upd.Public, upd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) SoftDelete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE records SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, nowMillis())
	if err != nil {
		return fmt.Errorf("soft delete record: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) GetByID(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, did, collection, rkey, ciphertext, encrypted_dek, nonce, public, created_at, updated_at, deleted_at
		FROM records WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanRecord(row)
}

func (p *Postgres) ListByDID(ctx context.Context, did string, opts ListOptions) ([]Record, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	afterCreated, afterID, err := decodeCursor(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := `
		SELECT id, did, collection, rkey, ciphertext, encrypted_dek, nonce, public, created_at, updated_at, deleted_at
		FROM records
		WHERE did = $1 AND deleted_at IS NULL`
	args := []interface{}{did}
	if opts.Collection != "" {
		args = append(args, opts.Collection)
		query += fmt.Sprintf(" AND collection = $%d", len(args))
	}
	if opts.Cursor != "" {
		args = append(args, afterCreated, afterID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, "", err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list records: %w", err)
	}

	next := ""
	if len(records) > limit {
		records = records[:limit]
		last := records[len(records)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return records, next, nil
}

func (p *Postgres) InsertShare(ctx context.Context, share SharedRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO shared_records (record_id, recipient_did, encrypted_dek, shared_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (record_id, recipient_did)
		DO UPDATE SET encrypted_dek = EXCLUDED.encrypted_dek, shared_at = EXCLUDED.shared_at`,
		share.RecordID, share.RecipientDID, share.EncryptedDEK, share.SharedAt)
	if err != nil {
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

func (p *Postgres) GetShare(ctx context.Context, recordID, recipientDID string) (*SharedRecord, error) {
	var share SharedRecord
	err := p.db.QueryRowContext(ctx, `
		SELECT record_id, recipient_did, encrypted_dek, shared_at
		FROM shared_records WHERE record_id = $1 AND recipient_did = $2`,
		recordID, recipientDID).
		Scan(&share.RecordID, &share.RecipientDID, &share.EncryptedDEK, &share.SharedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	return &share, nil
}

func (p *Postgres) ListSharedTo(ctx context.Context, recipientDID string) ([]SharedEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.record_id, s.recipient_did, s.encrypted_dek, s.shared_at,
		       r.id, r.did, r.collection, r.rkey, r.ciphertext, r.encrypted_dek, r.nonce, r.public,
		       r.created_at, r.updated_at, r.deleted_at
		FROM shared_records s
		JOIN records r ON r.id = s.record_id
		WHERE s.recipient_did = $1 AND r.deleted_at IS NULL
		ORDER BY s.shared_at DESC`, recipientDID)
	if err != nil {
		return nil, fmt.Errorf("list shared: %w", err)
	}
	defer rows.Close()

	entries := make([]SharedEntry, 0)
	for rows.Next() {
		var entry SharedEntry
		var updatedAt, deletedAt sql.NullInt64
		err := rows.Scan(
			&entry.Share.RecordID, &entry.Share.RecipientDID, &entry.Share.EncryptedDEK, &entry.Share.SharedAt,
			&entry.Record.ID, &entry.Record.DID, &entry.Record.Collection, &entry.Record.RKey,
			&entry.Record.Ciphertext, &entry.Record.EncryptedDEK, &entry.Record.Nonce, &entry.Record.Public,
			&entry.Record.CreatedAt, &updatedAt, &deletedAt)
		if err != nil {
			return nil, fmt.Errorf("scan shared entry: %w", err)
		}
		if updatedAt.Valid {
			entry.Record.UpdatedAt = &updatedAt.Int64
		}
		if deletedAt.Valid {
			entry.Record.DeletedAt = &deletedAt.Int64
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (p *Postgres) RegistryInsert(ctx context.Context, name, did string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO agent_registry (name, did, created_at) VALUES ($1, $2, $3)`,
		name, did, nowMillis())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("registry insert: %w", err)
	}
	return nil
}

func (p *Postgres) RegistryGet(ctx context.Context, name string) (*RegistryEntry, error) {
	var entry RegistryEntry
	err := p.db.QueryRowContext(ctx,
		`SELECT name, did, created_at FROM agent_registry WHERE name = $1`, name).
		Scan(&entry.Name, &entry.DID, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry get: %w", err)
	}
	return &entry, nil
}

func (p *Postgres) RegistryList(ctx context.Context) ([]RegistryEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT name, did, created_at FROM agent_registry ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("registry list: %w", err)
	}
	defer rows.Close()

	entries := make([]RegistryEntry, 0)
	for rows.Next() {
		var entry RegistryEntry
		if err := rows.Scan(&entry.Name, &entry.DID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (p *Postgres) RegistryDelete(ctx context.Context, name string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM agent_registry WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("registry delete: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var updatedAt, deletedAt sql.NullInt64
	err := row.Scan(&rec.ID, &rec.DID, &rec.Collection, &rec.RKey,
		&rec.Ciphertext, &rec.EncryptedDEK, &rec.Nonce, &rec.Public,
		&rec.CreatedAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	if updatedAt.Valid {
		rec.UpdatedAt = &updatedAt.Int64
	}
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Int64
	}
	return &rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}
