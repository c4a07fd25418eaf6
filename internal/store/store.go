// Package store persists encrypted records, shared-record grants and the
// agent name registry. The kernel serializes all writes for one DID through
// that agent's actor; the store only has to make each statement atomic and
// enforce the uniqueness constraints.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned for unknown or soft-deleted rows.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on unique-key violations (duplicate record id,
	// duplicate registry name).
	ErrConflict = errors.New("conflict")
)

// Record is one encrypted record row. For public records Ciphertext holds the
// canonical plaintext JSON and EncryptedDEK is nil; for private records
// Ciphertext is an AEAD output and EncryptedDEK holds the sealed DEK.
type Record struct {
	ID           string // "<did>/<collection>/<rkey>"
	DID          string
	Collection   string
	RKey         string
	Ciphertext   []byte
	EncryptedDEK []byte
	Nonce        []byte
	Public       bool
	CreatedAt    int64 // unix ms
	UpdatedAt    *int64
	DeletedAt    *int64
}

// RecordID builds the canonical record id.
func RecordID(did, collection, rkey string) string {
	return did + "/" + collection + "/" + rkey
}

// SplitRecordID splits a canonical record id into its parts.
func SplitRecordID(id string) (did, collection, rkey string, err error) {
	parts := strings.Split(id, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed record id %q", id)
	}
	return parts[0], parts[1], parts[2], nil
}

// RecordUpdate is a partial update applied by UpdateByID. Nil fields are left
// untouched.
type RecordUpdate struct {
	Ciphertext   []byte
	Nonce        []byte
	EncryptedDEK []byte
	Public       *bool
	UpdatedAt    *int64
}

// SharedRecord grants one recipient DID access to one record via a DEK sealed
// to the recipient's encryption key.
type SharedRecord struct {
	RecordID     string
	RecipientDID string
	EncryptedDEK []byte
	SharedAt     int64
}

// SharedEntry is the join of a share grant with its (undeleted) record.
type SharedEntry struct {
	Share  SharedRecord
	Record Record
}

// RegistryEntry maps a globally unique agent name to its DID.
type RegistryEntry struct {
	Name      string
	DID       string
	CreatedAt int64
}

// ListOptions narrows ListByDID. A zero Limit means the store default (50).
type ListOptions struct {
	Collection string
	Limit      int
	Cursor     string
}

// DefaultListLimit caps unbounded list requests.
const DefaultListLimit = 50

// Store is the record-store contract. Implementations: Postgres (production)
// and Memory (tests, keyless dev runs).
type Store interface {
	// Insert adds a record row. Fails with ErrConflict when
	// (did, collection, rkey) already exists.
	Insert(ctx context.Context, rec *Record) error

	// UpdateByID applies a partial update to an undeleted row.
	UpdateByID(ctx context.Context, id string, upd RecordUpdate) error

	// SoftDelete marks a row deleted. Deleting an already-deleted or unknown
	// row returns ErrNotFound.
	SoftDelete(ctx context.Context, id string) error

	// GetByID returns an undeleted row or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Record, error)

	// ListByDID returns undeleted rows for one DID ordered by created_at
	// descending, plus a cursor for the next page ("" when exhausted).
	ListByDID(ctx context.Context, did string, opts ListOptions) ([]Record, string, error)

	// InsertShare upserts a share grant keyed by (record_id, recipient_did).
	InsertShare(ctx context.Context, share SharedRecord) error

	// GetShare returns the grant for one record and recipient, or ErrNotFound.
	GetShare(ctx context.Context, recordID, recipientDID string) (*SharedRecord, error)

	// ListSharedTo returns all grants for a recipient joined with their
	// records, excluding deleted records, newest share first.
	ListSharedTo(ctx context.Context, recipientDID string) ([]SharedEntry, error)

	// RegistryInsert claims an agent name. Fails with ErrConflict when taken.
	RegistryInsert(ctx context.Context, name, did string) error

	// RegistryGet resolves a name or returns ErrNotFound.
	RegistryGet(ctx context.Context, name string) (*RegistryEntry, error)

	// RegistryList returns all registered agents ordered by creation time.
	RegistryList(ctx context.Context) ([]RegistryEntry, error)

	// RegistryDelete removes a name claim.
	RegistryDelete(ctx context.Context, name string) error

	// Close releases underlying resources.
	Close() error
}

// encodeCursor packs keyset-pagination state. The cursor is opaque to
// callers; both implementations use (created_at, id) ordering.
func encodeCursor(createdAt int64, id string) string {
	return strconv.FormatInt(createdAt, 10) + "|" + id
}

func decodeCursor(cursor string) (createdAt int64, id string, err error) {
	if cursor == "" {
		return 0, "", nil
	}
	sep := strings.IndexByte(cursor, '|')
	if sep < 0 {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	createdAt, err = strconv.ParseInt(cursor[:sep], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	return createdAt, cursor[sep+1:], nil
}
