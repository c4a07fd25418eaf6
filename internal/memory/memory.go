// Package memory implements the envelope-encrypted record contract for one
// agent: every private record is AEAD-encrypted under a fresh per-record DEK,
// and the DEK is sealed to the owner's X25519 key. Sharing re-seals the DEK
// for a recipient without touching the payload.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weavenet/weave/internal/lexicon"
	"github.com/weavenet/weave/internal/store"
	"github.com/weavenet/weave/internal/wcrypto"
)

// ErrPublicShare is returned when a share is requested for a public record;
// public records are readable without keys and never carry share grants.
var ErrPublicShare = errors.New("public records cannot be shared")

// DefaultCollection is used for records without a $type.
const DefaultCollection = "agent.memory.note"

// Entry pairs a record id with its decrypted body.
type Entry struct {
	ID     string                 `json:"id"`
	Record map[string]interface{} `json:"record"`
}

// Manager is the per-agent view over the shared record store. All methods are
// invoked from the agent's actor, so writes for one DID never interleave.
type Manager struct {
	store store.Store
	did   string
	enc   wcrypto.EncryptionKeyPair
}

// NewManager creates the memory view for one agent.
func NewManager(st store.Store, did string, enc wcrypto.EncryptionKeyPair) *Manager {
	return &Manager{store: st, did: did, enc: enc}
}

// DID returns the owning agent's DID.
func (m *Manager) DID() string { return m.did }

// StoreOptions control a write.
type StoreOptions struct {
	// Public stores the canonical JSON unencrypted; the record is readable
	// without keys and can never be shared.
	Public bool
}

// Store canonicalizes and writes a record, returning its id. Private records
// get a fresh DEK and nonce; the DEK is sealed to the owner.
func (m *Manager) Store(ctx context.Context, record map[string]interface{}, opts StoreOptions) (string, error) {
	plaintext, err := canonicalize(record)
	if err != nil {
		return "", err
	}

	collection := lexicon.RecordType(record)
	if collection == "" {
		collection = DefaultCollection
	}
	now := time.Now()
	rkey := newTID(now.UnixMicro())
	id := store.RecordID(m.did, collection, rkey)

	row := &store.Record{
		ID:         id,
		DID:        m.did,
		Collection: collection,
		RKey:       rkey,
		Public:     opts.Public,
		CreatedAt:  now.UnixMilli(),
	}

	if opts.Public {
		nonce, err := wcrypto.NewNonce()
		if err != nil {
			return "", err
		}
		row.Ciphertext = plaintext
		row.Nonce = nonce
	} else {
		ciphertext, sealedDEK, nonce, err := m.encrypt(plaintext)
		if err != nil {
			return "", err
		}
		row.Ciphertext = ciphertext
		row.EncryptedDEK = sealedDEK
		row.Nonce = nonce
	}

	if err := m.store.Insert(ctx, row); err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	return id, nil
}

// Load fetches and decrypts one of the owner's records.
func (m *Manager) Load(ctx context.Context, id string) (map[string]interface{}, error) {
	row, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.decryptRow(row)
}

// Update re-encrypts a record in place with a fresh DEK and nonce. DEKs and
// nonces are never reused across versions; only updated_at, ciphertext, nonce
// and the sealed DEK change.
func (m *Manager) Update(ctx context.Context, id string, record map[string]interface{}) error {
	row, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	plaintext, err := canonicalize(record)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	upd := store.RecordUpdate{UpdatedAt: &now}
	if row.Public {
		nonce, err := wcrypto.NewNonce()
		if err != nil {
			return err
		}
		upd.Ciphertext = plaintext
		upd.Nonce = nonce
	} else {
		ciphertext, sealedDEK, nonce, err := m.encrypt(plaintext)
		if err != nil {
			return err
		}
		upd.Ciphertext = ciphertext
		upd.EncryptedDEK = sealedDEK
		upd.Nonce = nonce
	}
	return m.store.UpdateByID(ctx, id, upd)
}

// Delete soft-deletes a record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.SoftDelete(ctx, id)
}

// List returns decrypted entries for the owner, newest first.
func (m *Manager) List(ctx context.Context, collection string, limit int, cursor string) ([]Entry, string, error) {
	rows, next, err := m.store.ListByDID(ctx, m.did, store.ListOptions{
		Collection: collection,
		Limit:      limit,
		Cursor:     cursor,
	})
	if err != nil {
		return nil, "", err
	}
	entries := make([]Entry, 0, len(rows))
	for i := range rows {
		record, err := m.decryptRow(&rows[i])
		if err != nil {
			return nil, "", fmt.Errorf("decrypt %s: %w", rows[i].ID, err)
		}
		entries = append(entries, Entry{ID: rows[i].ID, Record: record})
	}
	return entries, next, nil
}

// Share seals the record's DEK to a recipient and upserts the grant.
// Idempotent: re-sharing refreshes the grant.
func (m *Manager) Share(ctx context.Context, id, recipientDID string, recipientPub []byte) error {
	row, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if row.Public {
		return ErrPublicShare
	}
	dek, err := wcrypto.OpenDEK(m.enc.Private, row.EncryptedDEK)
	if err != nil {
		return fmt.Errorf("unseal owner dek: %w", err)
	}
	sharedDEK, err := wcrypto.SealDEK(recipientPub, dek)
	if err != nil {
		return fmt.Errorf("seal dek for %s: %w", recipientDID, err)
	}
	return m.store.InsertShare(ctx, store.SharedRecord{
		RecordID:     id,
		RecipientDID: recipientDID,
		EncryptedDEK: sharedDEK,
		SharedAt:     time.Now().UnixMilli(),
	})
}

// LoadShared decrypts a record shared *to* this agent. Without a grant the
// record is indistinguishable from a missing one (ErrNotFound).
func (m *Manager) LoadShared(ctx context.Context, id string) (map[string]interface{}, error) {
	grant, err := m.store.GetShare(ctx, id, m.did)
	if err != nil {
		return nil, err
	}
	row, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	dek, err := wcrypto.OpenDEK(m.enc.Private, grant.EncryptedDEK)
	if err != nil {
		return nil, err
	}
	plaintext, err := wcrypto.Decrypt(dek, row.Nonce, row.Ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return decode(plaintext)
}

// ListShared returns all records shared to this agent, decrypted.
func (m *Manager) ListShared(ctx context.Context) ([]Entry, error) {
	joined, err := m.store.ListSharedTo(ctx, m.did)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(joined))
	for _, entry := range joined {
		dek, err := wcrypto.OpenDEK(m.enc.Private, entry.Share.EncryptedDEK)
		if err != nil {
			return nil, fmt.Errorf("unseal shared dek for %s: %w", entry.Record.ID, err)
		}
		plaintext, err := wcrypto.Decrypt(dek, entry.Record.Nonce, entry.Record.Ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", entry.Record.ID, err)
		}
		record, err := decode(plaintext)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ID: entry.Record.ID, Record: record})
	}
	return entries, nil
}

// encrypt produces (ciphertext, sealedDEK, nonce) for one plaintext under a
// fresh DEK.
func (m *Manager) encrypt(plaintext []byte) (ciphertext, sealedDEK, nonce []byte, err error) {
	dek, err := wcrypto.GenerateDEK()
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err = wcrypto.NewNonce()
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext, err = wcrypto.Encrypt(dek, nonce, plaintext, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	sealedDEK, err = wcrypto.SealDEK(m.enc.Public, dek)
	if err != nil {
		return nil, nil, nil, err
	}
	return ciphertext, sealedDEK, nonce, nil
}

// decryptRow recovers the record body from a row the owner can read.
func (m *Manager) decryptRow(row *store.Record) (map[string]interface{}, error) {
	if row.Public {
		return decode(row.Ciphertext)
	}
	if len(row.EncryptedDEK) == 0 {
		return nil, wcrypto.ErrDecryptFailed
	}
	dek, err := wcrypto.OpenDEK(m.enc.Private, row.EncryptedDEK)
	if err != nil {
		return nil, err
	}
	plaintext, err := wcrypto.Decrypt(dek, row.Nonce, row.Ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return decode(plaintext)
}

// canonicalize renders a record as UTF-8 JSON with sorted keys (Go's
// encoding/json sorts map keys), the byte form that gets encrypted.
func canonicalize(record map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	return raw, nil
}

func decode(plaintext []byte) (map[string]interface{}, error) {
	var record map[string]interface{}
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}
