// Package relay routes agent names to actors and hosts the public-key
// directory agents register with and resolve recipients through.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/weavenet/weave/internal/identity"
	"github.com/weavenet/weave/internal/store"
)

// directoryEntry is the wire shape of a directory record.
type directoryEntry struct {
	DID        string              `json:"did"`
	PublicKeys identity.PublicKeys `json:"publicKeys"`
}

// LocalDirectory is the in-process key directory, also exposed over HTTP so
// other processes can use this node as their RELAY.
type LocalDirectory struct {
	mu   sync.RWMutex
	keys map[string]identity.PublicKeys
}

// NewLocalDirectory returns an empty directory.
func NewLocalDirectory() *LocalDirectory {
	return &LocalDirectory{keys: make(map[string]identity.PublicKeys)}
}

func (d *LocalDirectory) Register(ctx context.Context, did string, keys identity.PublicKeys) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[did] = keys
	return nil
}

func (d *LocalDirectory) Lookup(ctx context.Context, did string) (*identity.PublicKeys, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys, ok := d.keys[did]
	if !ok {
		return nil, fmt.Errorf("directory: %s: %w", did, store.ErrNotFound)
	}
	return &keys, nil
}

// Mount adds the directory HTTP surface to a router:
// PUT /directory/{did} registers, GET /directory/{did} resolves.
func (d *LocalDirectory) Mount(r *mux.Router) {
	r.HandleFunc("/directory/{did}", d.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/directory/{did}", d.handleGet).Methods(http.MethodGet)
}

func (d *LocalDirectory) handlePut(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	var entry directoryEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if entry.DID == "" {
		entry.DID = did
	}
	if entry.DID != did {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "DID mismatch"})
		return
	}
	d.Register(r.Context(), did, entry.PublicKeys)
	writeJSON(w, http.StatusOK, entry)
}

func (d *LocalDirectory) handleGet(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	keys, err := d.Lookup(r.Context(), did)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}
	writeJSON(w, http.StatusOK, directoryEntry{DID: did, PublicKeys: *keys})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HTTPDirectory talks to a remote relay's directory surface, selected by the
// RELAY binding.
type HTTPDirectory struct {
	base   string
	client *http.Client
}

// NewHTTPDirectory builds a client for a remote directory endpoint.
func NewHTTPDirectory(base string) *HTTPDirectory {
	return &HTTPDirectory{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDirectory) Register(ctx context.Context, did string, keys identity.PublicKeys) error {
	body, err := json.Marshal(directoryEntry{DID: did, PublicKeys: keys})
	if err != nil {
		return fmt.Errorf("directory register: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.base+"/directory/"+did, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("directory register: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory register: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory register: status %d", resp.StatusCode)
	}
	return nil
}

func (d *HTTPDirectory) Lookup(ctx context.Context, did string) (*identity.PublicKeys, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/directory/"+did, nil)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("directory: %s: %w", did, store.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory lookup: status %d", resp.StatusCode)
	}
	var entry directoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	return &entry.PublicKeys, nil
}
