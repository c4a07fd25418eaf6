// Package identity manages each agent's cryptographic identity: durable
// load-or-create of the key blob, DID minting and best-effort registration
// with the key directory.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weavenet/weave/internal/resilience"
	"github.com/weavenet/weave/internal/state"
	"github.com/weavenet/weave/internal/wcrypto"
)

// PublicKeys is the externally visible key set, multibase-encoded.
type PublicKeys struct {
	Encryption string `json:"encryption"`
	Signing    string `json:"signing"`
}

// Directory is the key directory agents register with and resolve
// recipients through.
type Directory interface {
	// Register publishes an agent's public keys. Best-effort from the
	// caller's perspective; see LoadOrCreate.
	Register(ctx context.Context, did string, keys PublicKeys) error

	// Lookup resolves a DID to its public keys.
	Lookup(ctx context.Context, did string) (*PublicKeys, error)
}

// Identity is an agent's in-memory identity, reconstructed from the durable
// blob on every actor cold-start.
type Identity struct {
	Name       string
	DID        string
	CreatedAt  int64 // unix ms
	Keys       *wcrypto.IdentityKeys
	PublicKeys PublicKeys
}

// LoadOrCreate loads an agent's identity from durable state or mints a new
// one: generate keys, persist the blob, then register with the directory.
// Registration failure is logged but never fails the call; the identity is
// usable locally and registration is retried on the next cold-start.
func LoadOrCreate(ctx context.Context, db *state.DB, dir Directory, name string) (*Identity, error) {
	blob, err := db.GetIdentity(name)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	created := false
	if blob == nil {
		blob, err = mint(name)
		if err != nil {
			return nil, err
		}
		if err := db.PutIdentity(name, blob); err != nil {
			return nil, fmt.Errorf("persist identity: %w", err)
		}
		created = true
	}

	id, err := fromBlob(name, blob)
	if err != nil {
		return nil, err
	}

	if created && dir != nil {
		err := resilience.Retry(ctx, resilience.DefaultConfig(), func() error {
			return dir.Register(ctx, id.DID, id.PublicKeys)
		})
		if err != nil {
			slog.Warn("directory registration failed, identity usable locally",
				"agent", name, "did", id.DID, "error", err)
		}
	}
	return id, nil
}

// mint generates a fresh identity blob for an agent name.
func mint(name string) (*state.IdentityBlob, error) {
	keys, err := wcrypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	return &state.IdentityBlob{
		Version:   1,
		DID:       wcrypto.DeriveDID(wcrypto.InstanceID(name)),
		CreatedAt: time.Now().UnixMilli(),
		SigningKey: state.KeyBlob{
			Algorithm:  "Ed25519",
			PublicJWK:  keys.Sign.SigningPublicJWK(),
			PrivateJWK: keys.Sign.SigningPrivateJWK(),
		},
		EncryptionKey: state.KeyBlob{
			Algorithm:  "X25519",
			PublicJWK:  keys.Enc.EncryptionPublicJWK(),
			PrivateJWK: keys.Enc.EncryptionPrivateJWK(),
		},
	}, nil
}

// fromBlob reconstructs the working identity from a durable blob.
func fromBlob(name string, blob *state.IdentityBlob) (*Identity, error) {
	sign, err := wcrypto.ImportSigningJWK(blob.SigningKey.PrivateJWK)
	if err != nil {
		return nil, fmt.Errorf("import signing key: %w", err)
	}
	enc, err := wcrypto.ImportEncryptionJWK(blob.EncryptionKey.PrivateJWK)
	if err != nil {
		return nil, fmt.Errorf("import encryption key: %w", err)
	}
	signMB, err := wcrypto.PublicKeyMultibase(blob.SigningKey.PublicJWK)
	if err != nil {
		return nil, err
	}
	encMB, err := wcrypto.PublicKeyMultibase(blob.EncryptionKey.PublicJWK)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Name:      name,
		DID:       blob.DID,
		CreatedAt: blob.CreatedAt,
		Keys:      &wcrypto.IdentityKeys{Sign: sign, Enc: enc},
		PublicKeys: PublicKeys{
			Signing:    signMB,
			Encryption: encMB,
		},
	}, nil
}
