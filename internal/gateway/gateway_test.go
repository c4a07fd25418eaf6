package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavenet/weave/internal/actor"
	"github.com/weavenet/weave/internal/config"
	"github.com/weavenet/weave/internal/events"
	"github.com/weavenet/weave/internal/metrics"
	"github.com/weavenet/weave/internal/relay"
	"github.com/weavenet/weave/internal/runtime"
	"github.com/weavenet/weave/internal/scheduler"
	"github.com/weavenet/weave/internal/state"
	"github.com/weavenet/weave/internal/store"
)

const adminToken = "test-admin-token"

type env struct {
	srv   *httptest.Server
	store store.Store
	rt    *runtime.Scripted
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sched := scheduler.New()
	t.Cleanup(sched.Close)
	bus := events.NewLocalBus()
	t.Cleanup(func() { bus.Close() })

	st := store.NewMemory()
	dir := relay.NewLocalDirectory()
	rt := runtime.NewScripted()
	m, reg := metrics.New()

	rl := relay.New(actor.Deps{
		DB:            db,
		Store:         st,
		Bus:           bus,
		Directory:     dir,
		Scheduler:     sched,
		Runtime:       rt.Factory(),
		Metrics:       m,
		PromptTimeout: time.Second,
	})
	t.Cleanup(rl.Close)

	g := New(Options{
		Config:    &config.Config{AdminToken: adminToken, CORSOrigin: "*"},
		Relay:     rl,
		Store:     st,
		Bus:       bus,
		Directory: dir,
		Metrics:   m,
		Registry:  reg,
	})
	t.Cleanup(g.Close)

	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: st, rt: rt}
}

// call issues a request; token "" sends no Authorization header.
func (e *env) call(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(raw) > 0 && json.Valid(raw) {
		json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func (e *env) createAgent(t *testing.T, name string) map[string]interface{} {
	t.Helper()
	resp, body := e.call(t, http.MethodPost, "/agents", adminToken, map[string]interface{}{"name": name})
	require.Equal(t, http.StatusOK, resp.StatusCode, "create agent %s: %v", name, body)
	return body
}

func noteBody(summary string) map[string]interface{} {
	return map[string]interface{}{
		"$type":     "agent.memory.note",
		"summary":   summary,
		"text":      "secret",
		"createdAt": "2026-02-07T00:00:00Z",
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, body := e.call(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Empty(t, body["missing"])
}

func TestHealth_ReportsMissingBindings(t *testing.T) {
	g := New(Options{Config: &config.Config{}, Store: store.NewMemory()})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["missing"], "ADMIN_TOKEN")
}

func TestCORS_OnEveryResponse(t *testing.T) {
	e := newEnv(t)

	// Preflight: 204, no auth.
	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/agents", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	// Error responses still carry the header.
	resp, _ = e.call(t, http.MethodPost, "/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = e.call(t, http.MethodGet, "/no/such/route", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAuth_MutatingRoutesRequireBearer(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/agents"},
		{http.MethodPost, "/agents/alice/memory"},
		{http.MethodPut, "/agents/alice/memory?id=x"},
		{http.MethodDelete, "/agents/alice/memory?id=x"},
		{http.MethodPost, "/agents/alice/share"},
		{http.MethodPost, "/agents/alice/inbox"},
		{http.MethodPatch, "/agents/alice/config"},
		{http.MethodPost, "/agents/alice/loop/start"},
		{http.MethodPost, "/agents/alice/prompt"},
		{http.MethodGet, "/agents/alice/loop/status"},
		{http.MethodGet, "/agents"},
	} {
		resp, body := e.call(t, tc.method, tc.path, "", map[string]interface{}{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
		assert.Equal(t, "Unauthorized", body["error"])

		resp, _ = e.call(t, tc.method, tc.path, "wrong-token", map[string]interface{}{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s bad token", tc.method, tc.path)
	}
}

func TestPublicReads_NoAuthNeeded(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")

	for _, path := range []string{
		"/agents/alice/identity",
		"/agents/alice/memory",
		"/agents/alice/shared",
		"/agents/alice/inbox",
		"/agents/alice/config",
	} {
		resp, _ := e.call(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAgents_CreateShapeAndDuplicate(t *testing.T) {
	e := newEnv(t)

	body := e.createAgent(t, "alice")
	assert.Regexp(t, "^did:weave:[0-9a-f]{24}$", body["did"])
	assert.NotNil(t, body["publicKeys"])
	assert.NotNil(t, body["config"])
	assert.NotNil(t, body["loop"])

	resp, dup := e.call(t, http.MethodPost, "/agents", adminToken, map[string]interface{}{"name": "ALICE"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "names are case-insensitively unique")
	assert.Equal(t, "Agent already exists", dup["error"])
}

func TestAgents_CreateAppliesSubmittedConfig(t *testing.T) {
	e := newEnv(t)

	resp, body := e.call(t, http.MethodPost, "/agents", adminToken, map[string]interface{}{
		"name":         "alice",
		"personality":  "sardonic",
		"model":        "custom/model-x",
		"enabledTools": []string{"remember", "recall"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := body["config"].(map[string]interface{})
	assert.Equal(t, "sardonic", cfg["personality"])
	assert.Equal(t, "custom/model-x", cfg["model"])
	assert.ElementsMatch(t, []interface{}{"remember", "recall"}, cfg["enabledTools"])

	// The created actor runs on the submitted config, not the defaults.
	resp, body = e.call(t, http.MethodGet, "/agents/alice/config", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sardonic", body["personality"])
}

func TestAgents_ConcurrentCreateOneWinner(t *testing.T) {
	e := newEnv(t)

	var mu sync.Mutex
	counts := map[int]int{}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _ := e.call(t, http.MethodPost, "/agents", adminToken, map[string]interface{}{"name": "dup"})
			mu.Lock()
			counts[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, counts[http.StatusOK])
	assert.Equal(t, 1, counts[http.StatusConflict])
}

func TestAgents_InvalidName(t *testing.T) {
	e := newEnv(t)
	resp, body := e.call(t, http.MethodPost, "/agents", adminToken, map[string]interface{}{"name": "has space"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotNil(t, body["issues"])
}

func TestAgents_List(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")
	e.createAgent(t, "bob")

	resp, body := e.call(t, http.MethodGet, "/agents", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 2)
}

func TestUnknownAgent_404BeforeParsing(t *testing.T) {
	e := newEnv(t)
	resp, body := e.call(t, http.MethodGet, "/agents/ghost/identity", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Unknown agent", body["error"])
}

func TestMemory_EncryptedRoundTripOverHTTP(t *testing.T) {
	e := newEnv(t)
	created := e.createAgent(t, "alice")
	did := created["did"].(string)

	resp, body := e.call(t, http.MethodPost, "/agents/alice/memory", adminToken, noteBody("s"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := body["id"].(string)
	assert.Contains(t, id, did+"/agent.memory.note/")

	// The durable row is ciphertext, not the record.
	row, err := e.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, row.Public)
	assert.NotEmpty(t, row.EncryptedDEK)
	plain, _ := json.Marshal(noteBody("s"))
	assert.NotEqual(t, plain, row.Ciphertext)

	resp, body = e.call(t, http.MethodGet, "/agents/alice/memory?id="+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	record := body["record"].(map[string]interface{})
	assert.Equal(t, "s", record["summary"])
	assert.Equal(t, "secret", record["text"])
}

func TestMemory_InvalidJSONAndInvalidRecord(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/agents/alice/memory", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid JSON", body["error"])

	resp2, body2 := e.call(t, http.MethodPost, "/agents/alice/memory", adminToken,
		map[string]interface{}{"$type": "agent.memory.note", "text": "missing summary"})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Equal(t, "Invalid record", body2["error"])
	assert.NotEmpty(t, body2["issues"])
}

func TestInbox_DefaultInjectionAndMismatch(t *testing.T) {
	e := newEnv(t)
	created := e.createAgent(t, "alice")
	did := created["did"].(string)

	msg := func(recipient string) map[string]interface{} {
		return map[string]interface{}{
			"$type":     "agent.comms.message",
			"sender":    "did:weave:000000000000000000000000",
			"recipient": recipient,
			"content":   map[string]interface{}{"kind": "text", "text": "hi"},
			"createdAt": "2026-02-07T00:00:00Z",
		}
	}

	// Recipient mismatch: 403, nothing stored.
	resp, body := e.call(t, http.MethodPost, "/agents/alice/inbox", adminToken, msg("did:weave:ffffffffffffffffffffffff"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Recipient mismatch", body["error"])

	resp, body = e.call(t, http.MethodGet, "/agents/alice/inbox", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["entries"])

	// Valid message: stored with priority defaulted to 3.
	resp, _ = e.call(t, http.MethodPost, "/agents/alice/inbox", adminToken, msg(did))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.call(t, http.MethodGet, "/agents/alice/inbox", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 1)
	record := entries[0].(map[string]interface{})["record"].(map[string]interface{})
	assert.Equal(t, float64(3), record["priority"])
}

func TestShare_GatesAccessOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")
	bob := e.createAgent(t, "bob")
	e.createAgent(t, "carol")
	bobDID := bob["did"].(string)

	_, body := e.call(t, http.MethodPost, "/agents/alice/memory", adminToken, noteBody("for bob"))
	id := body["id"].(string)

	resp, _ := e.call(t, http.MethodGet, "/agents/bob/shared?id="+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "unshared record is invisible")

	resp, _ = e.call(t, http.MethodPost, "/agents/alice/share", adminToken, map[string]interface{}{
		"id": id, "recipientDid": bobDID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.call(t, http.MethodGet, "/agents/bob/shared?id="+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	record := body["record"].(map[string]interface{})
	assert.Equal(t, "for bob", record["summary"])

	resp, _ = e.call(t, http.MethodGet, "/agents/carol/shared?id="+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "intruder still 404")
}

func TestConfig_PatchClampsOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")

	resp, body := e.call(t, http.MethodPatch, "/agents/alice/config", adminToken, map[string]interface{}{
		"personality":    "dry",
		"loopIntervalMs": 10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dry", body["personality"])
	assert.Equal(t, float64(state.MinLoopIntervalMs), body["loopIntervalMs"])

	resp, body = e.call(t, http.MethodGet, "/agents/alice/config", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dry", body["personality"])
}

func TestLoop_StartStatusStopOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")

	resp, body := e.call(t, http.MethodPost, "/agents/alice/loop/start", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["loopRunning"])
	assert.NotNil(t, body["nextAlarm"])

	resp, body = e.call(t, http.MethodGet, "/agents/alice/loop/status", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["loopRunning"])

	resp, body = e.call(t, http.MethodPost, "/agents/alice/loop/stop", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["loopRunning"])
	assert.Nil(t, body["nextAlarm"])
}

func TestPrompt_OverHTTP(t *testing.T) {
	e := newEnv(t)
	e.rt.Reply("pondered")
	e.createAgent(t, "alice")

	resp, body := e.call(t, http.MethodPost, "/agents/alice/prompt", adminToken, map[string]interface{}{
		"prompt": "think",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pondered", body["output"])
}

func TestPrompt_MalformedOptionsRejected(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")

	resp, body := e.call(t, http.MethodPost, "/agents/alice/prompt", adminToken, map[string]interface{}{
		"prompt":  "think",
		"options": map[string]interface{}{"model": 123},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid prompt options", body["error"])
}

func TestDirectory_MountedOnGateway(t *testing.T) {
	e := newEnv(t)
	created := e.createAgent(t, "alice")
	did := created["did"].(string)

	resp, body := e.call(t, http.MethodGet, "/directory/"+did, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := body["publicKeys"].(map[string]interface{})
	assert.NotEmpty(t, keys["encryption"])
	assert.NotEmpty(t, keys["signing"])
}

func TestAgentDelete_PurgesAndUnregisters(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")

	resp, _ := e.call(t, http.MethodDelete, "/agents/alice", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.call(t, http.MethodGet, "/agents/alice/identity", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.createAgent(t, "alice")
	e.call(t, http.MethodGet, "/agents/alice/identity", "", nil)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/metrics", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "weave_requests_total")
}

func TestEnvironments_PassThrough(t *testing.T) {
	e := newEnv(t)

	// Unconfigured: 404.
	resp, _ := e.call(t, http.MethodGet, "/environments", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnvironments_ConfiguredHandler(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()
	sched := scheduler.New()
	defer sched.Close()
	bus := events.NewLocalBus()
	defer bus.Close()
	st := store.NewMemory()

	rl := relay.New(actor.Deps{
		DB: db, Store: st, Bus: bus,
		Directory: relay.NewLocalDirectory(), Scheduler: sched,
		Runtime: runtime.NewScripted().Factory(), PromptTimeout: time.Second,
	})
	defer rl.Close()

	envs := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]string{"world": "rpg"})
	})
	g := New(Options{
		Config:       &config.Config{AdminToken: adminToken},
		Relay:        rl,
		Store:        st,
		Environments: envs,
	})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/environments", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "rpg", body["world"])
}
