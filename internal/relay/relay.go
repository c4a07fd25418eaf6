package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/weavenet/weave/internal/actor"
	"github.com/weavenet/weave/internal/wcrypto"
)

// Relay owns the live actors, keyed by deterministic instance id so routing
// is stable across restarts and case-insensitive on the name.
type Relay struct {
	deps actor.Deps

	mu     sync.Mutex
	actors map[string]*actor.Actor
	closed bool
}

// New builds a relay. deps.Directory decides whether this node hosts the
// directory (LocalDirectory) or defers to a remote one (HTTPDirectory).
func New(deps actor.Deps) *Relay {
	return &Relay{deps: deps, actors: make(map[string]*actor.Actor)}
}

// Get returns the live actor for a name, cold-starting it on first use. The
// caller is responsible for knowing the name is registered; the relay routes,
// it does not gatekeep.
func (r *Relay) Get(ctx context.Context, name string) (*actor.Actor, error) {
	key := wcrypto.InstanceID(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("relay closed")
	}
	if a, ok := r.actors[key]; ok {
		return a, nil
	}
	a, err := actor.New(ctx, name, r.deps)
	if err != nil {
		return nil, err
	}
	r.actors[key] = a
	return a, nil
}

// Peek returns the actor only if it is already live.
func (r *Relay) Peek(name string) (*actor.Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[wcrypto.InstanceID(name)]
	return a, ok
}

// Evict closes and forgets an actor, e.g. on agent deletion.
func (r *Relay) Evict(name string) {
	key := wcrypto.InstanceID(name)
	r.mu.Lock()
	a, ok := r.actors[key]
	delete(r.actors, key)
	r.mu.Unlock()
	if ok {
		a.Close()
	}
}

// Purge evicts the actor and deletes its durable state: identity, config,
// session and loop buckets. Records in the shared store stay, soft-delete
// only.
func (r *Relay) Purge(name string) error {
	r.Evict(name)
	return r.deps.DB.DeleteAgent(name)
}

// Close shuts every live actor down.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	actors := make([]*actor.Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*actor.Actor)
	r.mu.Unlock()
	for _, a := range actors {
		a.Close()
	}
}
