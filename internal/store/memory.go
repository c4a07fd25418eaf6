package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests and keyless development runs.
// It enforces the same uniqueness rules as the Postgres implementation.
type Memory struct {
	mu       sync.RWMutex
	records  map[string]*Record                  // id → row
	shares   map[string]map[string]SharedRecord  // record id → recipient did → grant
	registry map[string]RegistryEntry            // name → entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]*Record),
		shares:   make(map[string]map[string]SharedRecord),
		registry: make(map[string]RegistryEntry),
	}
}

func (m *Memory) Insert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return ErrConflict
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *Memory) UpdateByID(ctx context.Context, id string, upd RecordUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.DeletedAt != nil {
		return ErrNotFound
	}
	if upd.Ciphertext != nil {
		rec.Ciphertext = upd.Ciphertext
	}
	if upd.Nonce != nil {
		rec.Nonce = upd.Nonce
	}
	if upd.EncryptedDEK != nil {
		rec.EncryptedDEK = upd.EncryptedDEK
	}
	if upd.Public != nil {
		rec.Public = *upd.Public
	}
	if upd.UpdatedAt != nil {
		rec.UpdatedAt = upd.UpdatedAt
	}
	return nil
}

func (m *Memory) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.DeletedAt != nil {
		return ErrNotFound
	}
	now := nowMillis()
	rec.DeletedAt = &now
	return nil
}

func (m *Memory) GetByID(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok || rec.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) ListByDID(ctx context.Context, did string, opts ListOptions) ([]Record, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	afterCreated, afterID, err := decodeCursor(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	matched := make([]Record, 0)
	for _, rec := range m.records {
		if rec.DID != did || rec.DeletedAt != nil {
			continue
		}
		if opts.Collection != "" && rec.Collection != opts.Collection {
			continue
		}
		matched = append(matched, *rec)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	// Keyset pagination: skip until past the cursor row.
	if opts.Cursor != "" {
		cut := 0
		for i, rec := range matched {
			if rec.CreatedAt < afterCreated || (rec.CreatedAt == afterCreated && rec.ID < afterID) {
				cut = i
				break
			}
			cut = i + 1
		}
		matched = matched[cut:]
	}

	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return matched, next, nil
}

func (m *Memory) InsertShare(ctx context.Context, share SharedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grants, ok := m.shares[share.RecordID]
	if !ok {
		grants = make(map[string]SharedRecord)
		m.shares[share.RecordID] = grants
	}
	grants[share.RecipientDID] = share
	return nil
}

func (m *Memory) GetShare(ctx context.Context, recordID, recipientDID string) (*SharedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.shares[recordID][recipientDID]
	if !ok {
		return nil, ErrNotFound
	}
	return &grant, nil
}

func (m *Memory) ListSharedTo(ctx context.Context, recipientDID string) ([]SharedEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]SharedEntry, 0)
	for recordID, grants := range m.shares {
		grant, ok := grants[recipientDID]
		if !ok {
			continue
		}
		rec, exists := m.records[recordID]
		if !exists || rec.DeletedAt != nil {
			continue
		}
		entries = append(entries, SharedEntry{Share: grant, Record: *rec})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Share.SharedAt > entries[j].Share.SharedAt
	})
	return entries, nil
}

func (m *Memory) RegistryInsert(ctx context.Context, name, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[name]; exists {
		return ErrConflict
	}
	m.registry[name] = RegistryEntry{Name: name, DID: did, CreatedAt: nowMillis()}
	return nil
}

func (m *Memory) RegistryGet(ctx context.Context, name string) (*RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.registry[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (m *Memory) RegistryList(ctx context.Context) ([]RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]RegistryEntry, 0, len(m.registry))
	for _, entry := range m.registry {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt != entries[j].CreatedAt {
			return entries[i].CreatedAt < entries[j].CreatedAt
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (m *Memory) RegistryDelete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registry[name]; !ok {
		return ErrNotFound
	}
	delete(m.registry, name)
	return nil
}

func (m *Memory) Close() error { return nil }
