package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/weavenet/weave/internal/actor"
	"github.com/weavenet/weave/internal/lexicon"
	"github.com/weavenet/weave/internal/memory"
	"github.com/weavenet/weave/internal/state"
	"github.com/weavenet/weave/internal/store"
	"github.com/weavenet/weave/internal/wcrypto"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,39}$`)

// agentView is the wire shape of one agent in GET /agents.
type agentView struct {
	Name       string             `json:"name"`
	DID        string             `json:"did"`
	CreatedAt  int64              `json:"createdAt"`
	PublicKeys interface{}        `json:"publicKeys"`
	Config     *state.AgentConfig `json:"config"`
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errBody(msg string) map[string]interface{} {
	return map[string]interface{}{"error": msg}
}

// fail maps a downstream error onto the HTTP taxonomy. Unclassified errors
// become opaque 500s; the detail goes to the log, never the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *lexicon.ValidationError
	switch {
	case errors.As(err, &verr):
		respond(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid record", "issues": verr.Issues,
		})
	case errors.Is(err, actor.ErrRecipientMismatch):
		respond(w, http.StatusForbidden, errBody("Recipient mismatch"))
	case errors.Is(err, actor.ErrInvalidOptions):
		respond(w, http.StatusBadRequest, errBody("Invalid prompt options"))
	case errors.Is(err, store.ErrNotFound):
		respond(w, http.StatusNotFound, errBody("Not found"))
	case errors.Is(err, store.ErrConflict):
		respond(w, http.StatusConflict, errBody("Conflict"))
	case errors.Is(err, memory.ErrPublicShare):
		respond(w, http.StatusBadRequest, errBody("Public records cannot be shared"))
	default:
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, terr := cur.GetPathTemplate(); terr == nil {
				route = tpl
			}
		}
		slog.Error("Unhandled route error", "route", route, "method", r.Method, "error", err)
		respond(w, http.StatusInternalServerError, errBody("Internal Server Error"))
	}
}

// agent resolves {name} through the registry and relay. Unknown names 404
// before any body parsing happens.
func (g *Gateway) agent(fn func(a *actor.Actor, w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.ToLower(mux.Vars(r)["name"])
		if _, err := g.store.RegistryGet(r.Context(), name); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respond(w, http.StatusNotFound, errBody("Unknown agent"))
				return
			}
			fail(w, r, err)
			return
		}
		a, err := g.relay.Get(r.Context(), name)
		if err != nil {
			fail(w, r, err)
			return
		}
		fn(a, w, r)
	}
}

// parseJSON decodes the request body. Parse failures are 400 "Invalid JSON".
func parseJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respond(w, http.StatusBadRequest, errBody("Invalid JSON"))
		return false
	}
	return true
}

// parseRecord decodes and lexicon-validates a record body. Validation injects
// defaults in place.
func parseRecord(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	var record map[string]interface{}
	if !parseJSON(w, r, &record) {
		return nil, false
	}
	if err := lexicon.Validate(record); err != nil {
		fail(w, r, err)
		return nil, false
	}
	return record, true
}

// ---- global routes ----

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	missing := g.cfg.Missing()
	if len(missing) > 0 {
		respond(w, http.StatusInternalServerError, map[string]interface{}{
			"status": "error", "missing": missing,
		})
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"status": "ok", "missing": []string{}})
}

func (g *Gateway) handleAgentsCreate(w http.ResponseWriter, r *http.Request) {
	var cfg state.AgentConfig
	if !parseJSON(w, r, &cfg) {
		return
	}
	if !nameRe.MatchString(cfg.Name) {
		respond(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid record",
			"issues": []lexicon.Issue{{
				Path:    "name",
				Message: "must be 1-40 characters: letters, digits, - or _",
			}},
		})
		return
	}
	name := strings.ToLower(cfg.Name)
	cfg.Name = name
	cfg.Normalize()

	did := wcrypto.DeriveDID(wcrypto.InstanceID(name))

	// The registry insert is the uniqueness gate: concurrent creates of the
	// same name race here and exactly one wins.
	if err := g.store.RegistryInsert(r.Context(), name, did); err != nil {
		if errors.Is(err, store.ErrConflict) {
			respond(w, http.StatusConflict, errBody("Agent already exists"))
			return
		}
		fail(w, r, err)
		return
	}

	a, err := g.createActor(w, r, name, &cfg)
	if err != nil {
		return
	}
	loop, err := a.LoopStatus(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	view := a.Identity()
	respond(w, http.StatusOK, map[string]interface{}{
		"did":        view.DID,
		"createdAt":  view.CreatedAt,
		"publicKeys": view.PublicKeys,
		"config":     cfg,
		"loop":       loop,
	})
}

// createActor persists the supplied config, then cold-starts the actor so it
// is durable before the response returns. Failures roll the registry row back.
func (g *Gateway) createActor(w http.ResponseWriter, r *http.Request, name string, cfg *state.AgentConfig) (*actor.Actor, error) {
	a, err := g.relay.Get(r.Context(), name)
	if err == nil {
		_, err = a.PatchConfig(r.Context(), configPatch(cfg))
	}
	if err != nil {
		g.store.RegistryDelete(r.Context(), name)
		fail(w, r, err)
		return nil, err
	}
	return a, nil
}

// configPatch turns a full config into a patch map for the actor.
func configPatch(cfg *state.AgentConfig) map[string]interface{} {
	raw, _ := json.Marshal(cfg)
	var patch map[string]interface{}
	json.Unmarshal(raw, &patch)
	return patch
}

func (g *Gateway) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	entries, err := g.store.RegistryList(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	views := make([]agentView, 0, len(entries))
	for _, entry := range entries {
		a, err := g.relay.Get(r.Context(), entry.Name)
		if err != nil {
			fail(w, r, err)
			return
		}
		cfg, err := a.Config(r.Context())
		if err != nil {
			fail(w, r, err)
			return
		}
		id := a.Identity()
		views = append(views, agentView{
			Name:       entry.Name,
			DID:        id.DID,
			CreatedAt:  id.CreatedAt,
			PublicKeys: id.PublicKeys,
			Config:     cfg,
		})
	}
	respond(w, http.StatusOK, map[string]interface{}{"entries": views})
}

func (g *Gateway) handleAgentDelete(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	name := a.Name()
	if err := g.store.RegistryDelete(r.Context(), name); err != nil {
		fail(w, r, err)
		return
	}
	if err := g.relay.Purge(name); err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"deleted": name})
}

func (g *Gateway) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	if g.environments == nil {
		respond(w, http.StatusNotFound, errBody("Not found"))
		return
	}
	g.environments.ServeHTTP(w, r)
}

// ---- per-agent routes ----

func (g *Gateway) handleIdentity(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, a.Identity())
}

func (g *Gateway) handlePrompt(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt  string                 `json:"prompt"`
		Options map[string]interface{} `json:"options"`
	}
	if !parseJSON(w, r, &body) {
		return
	}
	if body.Prompt == "" {
		respond(w, http.StatusBadRequest, errBody("prompt required"))
		return
	}
	result, err := a.Prompt(r.Context(), body.Prompt, body.Options)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (g *Gateway) handleMemoryPost(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	record, ok := parseRecord(w, r)
	if !ok {
		return
	}
	public := r.URL.Query().Get("public") == "true"
	id, err := a.StoreMemory(r.Context(), record, public)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": id})
}

func (g *Gateway) handleMemoryGet(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		record, err := a.GetMemory(r.Context(), id)
		if err != nil {
			fail(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{"id": id, "record": record})
		return
	}
	entries, next, err := a.ListMemory(r.Context(),
		r.URL.Query().Get("collection"), queryInt(r, "limit"), r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, err)
		return
	}
	body := map[string]interface{}{"entries": entries}
	if next != "" {
		body["cursor"] = next
	}
	respond(w, http.StatusOK, body)
}

func (g *Gateway) handleMemoryPut(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		respond(w, http.StatusBadRequest, errBody("id required"))
		return
	}
	record, ok := parseRecord(w, r)
	if !ok {
		return
	}
	if err := a.UpdateMemory(r.Context(), id, record); err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"id": id, "record": record})
}

func (g *Gateway) handleMemoryDelete(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		respond(w, http.StatusBadRequest, errBody("id required"))
		return
	}
	if err := a.DeleteMemory(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

func (g *Gateway) handleShare(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID                 string `json:"id"`
		RecipientDID       string `json:"recipientDid"`
		RecipientPublicKey string `json:"recipientPublicKey"`
	}
	if !parseJSON(w, r, &body) {
		return
	}
	if body.ID == "" || body.RecipientDID == "" {
		respond(w, http.StatusBadRequest, errBody("id and recipientDid required"))
		return
	}
	if err := a.Share(r.Context(), body.ID, body.RecipientDID, body.RecipientPublicKey); err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"id": body.ID, "recipientDid": body.RecipientDID})
}

func (g *Gateway) handleShared(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		record, err := a.GetShared(r.Context(), id)
		if err != nil {
			fail(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{"id": id, "record": record})
		return
	}
	entries, err := a.ListShared(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (g *Gateway) handleInboxPost(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	record, ok := parseRecord(w, r)
	if !ok {
		return
	}
	id, err := a.InboxPost(r.Context(), record)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": id})
}

func (g *Gateway) handleInboxGet(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	entries, next, err := a.InboxList(r.Context(), queryInt(r, "limit"), r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, err)
		return
	}
	body := map[string]interface{}{"entries": entries}
	if next != "" {
		body["cursor"] = next
	}
	respond(w, http.StatusOK, body)
}

func (g *Gateway) handleConfigGet(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	cfg, err := a.Config(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, cfg)
}

func (g *Gateway) handleConfigPatch(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if !parseJSON(w, r, &patch) {
		return
	}
	cfg, err := a.PatchConfig(r.Context(), patch)
	if err != nil {
		fail(w, r, fmt.Errorf("apply config patch: %w", err))
		return
	}
	respond(w, http.StatusOK, cfg)
}

func (g *Gateway) handleLoopStart(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	status, err := a.LoopStart(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, status)
}

func (g *Gateway) handleLoopStop(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	status, err := a.LoopStop(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, status)
}

func (g *Gateway) handleLoopStatus(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	status, err := a.LoopStatus(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, status)
}

func (g *Gateway) handleWS(a *actor.Actor, w http.ResponseWriter, r *http.Request) {
	a.HandleWS(w, r)
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
