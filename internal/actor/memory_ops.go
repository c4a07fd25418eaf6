package actor

import (
	"context"
	"fmt"

	"github.com/weavenet/weave/internal/lexicon"
	"github.com/weavenet/weave/internal/memory"
	"github.com/weavenet/weave/internal/store"
	"github.com/weavenet/weave/internal/wcrypto"
)

// StoreMemory validates nothing (the gateway already has) and stores the
// record, encrypted unless public is set. Returns the canonical record id.
func (a *Actor) StoreMemory(ctx context.Context, record map[string]interface{}, public bool) (string, error) {
	var id string
	err := a.do(ctx, func(jctx context.Context) error {
		var err error
		id, err = a.mem.Store(jctx, record, memory.StoreOptions{Public: public})
		if err == nil {
			a.countWrite(id)
		}
		return err
	})
	return id, err
}

// countWrite feeds the record-write counter, labeled by collection.
func (a *Actor) countWrite(id string) {
	if a.deps.Metrics == nil {
		return
	}
	if _, collection, _, err := store.SplitRecordID(id); err == nil {
		a.deps.Metrics.RecordWrites.WithLabelValues(collection).Inc()
	}
}

// GetMemory loads and decrypts one of the agent's own records.
func (a *Actor) GetMemory(ctx context.Context, id string) (map[string]interface{}, error) {
	var record map[string]interface{}
	err := a.do(ctx, func(jctx context.Context) error {
		var err error
		record, err = a.mem.Load(jctx, id)
		return err
	})
	return record, err
}

// ListMemory lists the agent's records, newest first, decrypted.
func (a *Actor) ListMemory(ctx context.Context, collection string, limit int, cursor string) ([]memory.Entry, string, error) {
	var (
		entries []memory.Entry
		next    string
	)
	err := a.do(ctx, func(jctx context.Context) error {
		var err error
		entries, next, err = a.mem.List(jctx, collection, limit, cursor)
		return err
	})
	return entries, next, err
}

// UpdateMemory re-encrypts a record in place with a fresh DEK and nonce.
func (a *Actor) UpdateMemory(ctx context.Context, id string, record map[string]interface{}) error {
	return a.do(ctx, func(jctx context.Context) error {
		return a.mem.Update(jctx, id, record)
	})
}

// DeleteMemory soft-deletes a record.
func (a *Actor) DeleteMemory(ctx context.Context, id string) error {
	return a.do(ctx, func(jctx context.Context) error {
		return a.mem.Delete(jctx, id)
	})
}

// Share re-seals a record's DEK for a recipient. recipientPublicKey is the
// recipient's multibase X25519 key; when empty it is resolved through the
// directory.
func (a *Actor) Share(ctx context.Context, id, recipientDID, recipientPublicKey string) error {
	return a.do(ctx, func(jctx context.Context) error {
		pub := recipientPublicKey
		if pub == "" {
			keys, err := a.deps.Directory.Lookup(jctx, recipientDID)
			if err != nil {
				return fmt.Errorf("resolve recipient %s: %w", recipientDID, err)
			}
			pub = keys.Encryption
		}
		_, raw, err := wcrypto.ParsePublicKeyMultibase(pub)
		if err != nil {
			return fmt.Errorf("recipient public key: %w", err)
		}
		return a.mem.Share(jctx, id, recipientDID, raw)
	})
}

// GetShared loads one record shared to this agent by another owner.
func (a *Actor) GetShared(ctx context.Context, id string) (map[string]interface{}, error) {
	var record map[string]interface{}
	err := a.do(ctx, func(jctx context.Context) error {
		var err error
		record, err = a.mem.LoadShared(jctx, id)
		return err
	})
	return record, err
}

// ListShared lists records shared to this agent.
func (a *Actor) ListShared(ctx context.Context) ([]memory.Entry, error) {
	var entries []memory.Entry
	err := a.do(ctx, func(jctx context.Context) error {
		var err error
		entries, err = a.mem.ListShared(jctx)
		return err
	})
	return entries, err
}

// InboxPost stores an inbound agent.comms.message. The message's recipient
// must be this agent's DID; otherwise nothing is stored.
func (a *Actor) InboxPost(ctx context.Context, record map[string]interface{}) (string, error) {
	var id string
	err := a.do(ctx, func(jctx context.Context) error {
		recipient, _ := record["recipient"].(string)
		if recipient != a.id.DID {
			return ErrRecipientMismatch
		}
		var err error
		id, err = a.mem.Store(jctx, record, memory.StoreOptions{})
		if err == nil {
			a.countWrite(id)
		}
		return err
	})
	return id, err
}

// InboxList lists this agent's received messages, newest first.
func (a *Actor) InboxList(ctx context.Context, limit int, cursor string) ([]memory.Entry, string, error) {
	return a.ListMemory(ctx, lexicon.TypeCommsMessage, limit, cursor)
}
