// Package state persists each agent's durable kernel state: identity blob,
// config, session and loop state. One BoltDB bucket per concern, keyed by
// agent name. The per-agent actor is the only writer for a given key, so no
// cross-process coordination is needed beyond Bolt's single-writer semantics.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/weavenet/weave/internal/wcrypto"
)

var (
	bucketIdentity = []byte("identity")
	bucketConfig   = []byte("config")
	bucketSession  = []byte("session")
	bucketLoop     = []byte("loop")
)

// KeyBlob is one half of a durable identity: algorithm plus JWK pair.
type KeyBlob struct {
	Algorithm  string      `json:"algorithm"`
	PublicJWK  wcrypto.JWK `json:"publicJwk"`
	PrivateJWK wcrypto.JWK `json:"privateJwk"`
}

// IdentityBlob is the durable form of an agent identity (version 1).
type IdentityBlob struct {
	Version       int     `json:"version"`
	DID           string  `json:"did"`
	CreatedAt     int64   `json:"createdAt"` // unix ms
	SigningKey    KeyBlob `json:"signingKey"`
	EncryptionKey KeyBlob `json:"encryptionKey"`
}

// Message is one session entry.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Session is the durable prompt session (version 1). After any prompt turn it
// holds at most MaxSessionMessages entries; older entries are archived.
type Session struct {
	Version      int           `json:"version"`
	Messages     []Message     `json:"messages"`
	BranchPoints []interface{} `json:"branchPoints,omitempty"`
}

// MaxSessionMessages bounds the session after a prompt turn.
const MaxSessionMessages = 50

// LoopState is the durable scheduler state for one agent.
type LoopState struct {
	LoopRunning bool   `json:"loopRunning"`
	LoopCount   int    `json:"loopCount"`
	NextAlarmAt *int64 `json:"nextAlarmAt,omitempty"` // unix ms
}

// DB wraps a BoltDB database holding all per-agent durable state.
type DB struct {
	db *bolt.DB
}

// Open creates or opens the state database and ensures all buckets exist.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIdentity, bucketConfig, bucketSession, bucketLoop} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create state buckets: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *DB) Close() error { return s.db.Close() }

func (s *DB) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// get unmarshals bucket/key into v. Returns (false, nil) when the key is
// absent.
func (s *DB) get(bucket []byte, key string, v interface{}) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucket).Get([]byte(key)); raw != nil {
			data = append([]byte{}, raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *DB) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// GetIdentity loads an agent's identity blob; (nil, nil) when absent.
func (s *DB) GetIdentity(name string) (*IdentityBlob, error) {
	var blob IdentityBlob
	ok, err := s.get(bucketIdentity, name, &blob)
	if err != nil || !ok {
		return nil, err
	}
	return &blob, nil
}

// PutIdentity persists an agent's identity blob.
func (s *DB) PutIdentity(name string, blob *IdentityBlob) error {
	return s.put(bucketIdentity, name, blob)
}

// GetConfig loads an agent's config; (nil, nil) when absent.
func (s *DB) GetConfig(name string) (*AgentConfig, error) {
	var cfg AgentConfig
	ok, err := s.get(bucketConfig, name, &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

// PutConfig persists an agent's config.
func (s *DB) PutConfig(name string, cfg *AgentConfig) error {
	return s.put(bucketConfig, name, cfg)
}

// GetSession loads an agent's session, or a fresh empty session when absent.
func (s *DB) GetSession(name string) (*Session, error) {
	var sess Session
	ok, err := s.get(bucketSession, name, &sess)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Session{Version: 1}, nil
	}
	return &sess, nil
}

// PutSession persists an agent's session.
func (s *DB) PutSession(name string, sess *Session) error {
	return s.put(bucketSession, name, sess)
}

// GetLoop loads an agent's loop state, zero-valued when absent.
func (s *DB) GetLoop(name string) (*LoopState, error) {
	var loop LoopState
	if _, err := s.get(bucketLoop, name, &loop); err != nil {
		return nil, err
	}
	return &loop, nil
}

// PutLoop persists an agent's loop state.
func (s *DB) PutLoop(name string, loop *LoopState) error {
	return s.put(bucketLoop, name, loop)
}

// DeleteAgent removes every durable trace of an agent. Used on admin delete.
func (s *DB) DeleteAgent(name string) error {
	for _, b := range [][]byte{bucketIdentity, bucketConfig, bucketSession, bucketLoop} {
		if err := s.delete(b, name); err != nil {
			return err
		}
	}
	return nil
}
