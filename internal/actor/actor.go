// Package actor hosts the per-agent single-writer actor. Every HTTP request,
// websocket message and alarm fire becomes a job on the actor's mailbox and
// runs serially; across agents, actors run in parallel. Durable state
// (identity, config, session, loop) is persisted before the submitting call
// returns.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weavenet/weave/internal/events"
	"github.com/weavenet/weave/internal/identity"
	"github.com/weavenet/weave/internal/memory"
	"github.com/weavenet/weave/internal/metrics"
	"github.com/weavenet/weave/internal/resilience"
	"github.com/weavenet/weave/internal/runtime"
	"github.com/weavenet/weave/internal/scheduler"
	"github.com/weavenet/weave/internal/state"
	"github.com/weavenet/weave/internal/store"
	"github.com/weavenet/weave/internal/tools"
)

// ErrRecipientMismatch rejects inbox posts addressed to another agent.
var ErrRecipientMismatch = errors.New("recipient mismatch")

// ErrClosed reports a job submitted to a stopped actor.
var ErrClosed = errors.New("actor closed")

// ErrInvalidOptions reports a malformed per-request prompt options payload.
var ErrInvalidOptions = errors.New("invalid prompt options")

// DefaultPromptTimeout bounds one runtime prompt invocation, in the HTTP path
// and in the scheduled tick alike.
const DefaultPromptTimeout = 30 * time.Second

const mailboxDepth = 64

// Deps are the process-wide collaborators an actor is built from.
type Deps struct {
	DB        *state.DB
	Store     store.Store
	Bus       events.Bus
	Directory identity.Directory
	Scheduler *scheduler.Scheduler
	Runtime   runtime.Factory

	// GM is the optional environment hook behind the gm tool.
	GM func(ctx context.Context, params map[string]interface{}) (interface{}, error)

	// Metrics instruments are optional; nil disables them.
	Metrics *metrics.Metrics

	// PromptTimeout overrides DefaultPromptTimeout when positive.
	PromptTimeout time.Duration
}

type job struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Actor is one agent's single logical writer.
type Actor struct {
	name string
	deps Deps

	id  *identity.Identity
	mem *memory.Manager

	// Mutated only on the mailbox goroutine.
	cfg  *state.AgentConfig
	sess *state.Session
	loop *state.LoopState
	rt   runtime.Runtime

	mailbox chan job
	quit    chan struct{}
	stopped sync.WaitGroup

	closeOnce sync.Once

	wsMu sync.Mutex
	ws   map[*wsSession]struct{}
}

// New cold-starts an actor: load-or-create identity, load config, session and
// loop state, build the memory manager and runtime, and re-arm the alarm if
// the loop was running when the process last stopped.
func New(ctx context.Context, name string, deps Deps) (*Actor, error) {
	if deps.PromptTimeout <= 0 {
		deps.PromptTimeout = DefaultPromptTimeout
	}

	id, err := identity.LoadOrCreate(ctx, deps.DB, deps.Directory, name)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", name, err)
	}

	cfg, err := deps.DB.GetConfig(name)
	if err != nil {
		return nil, fmt.Errorf("actor %s: load config: %w", name, err)
	}
	if cfg == nil {
		cfg = state.DefaultConfig(name)
		if err := deps.DB.PutConfig(name, cfg); err != nil {
			return nil, fmt.Errorf("actor %s: persist config: %w", name, err)
		}
	}
	cfg.Normalize()

	sess, err := deps.DB.GetSession(name)
	if err != nil {
		return nil, fmt.Errorf("actor %s: load session: %w", name, err)
	}
	loop, err := deps.DB.GetLoop(name)
	if err != nil {
		return nil, fmt.Errorf("actor %s: load loop state: %w", name, err)
	}

	a := &Actor{
		name:    name,
		deps:    deps,
		id:      id,
		cfg:     cfg,
		sess:    sess,
		loop:    loop,
		mem:     memory.NewManager(deps.Store, id.DID, id.Keys.Enc),
		mailbox: make(chan job, mailboxDepth),
		quit:    make(chan struct{}),
		ws:      make(map[*wsSession]struct{}),
	}

	a.rt, err = a.buildRuntime(cfg)
	if err != nil {
		return nil, fmt.Errorf("actor %s: build runtime: %w", name, err)
	}

	a.stopped.Add(1)
	go a.run()

	// Loop state survives restarts: re-arm rather than silently going idle.
	if loop.LoopRunning {
		a.arm(time.Now().Add(a.interval()))
	}
	return a, nil
}

// Name returns the agent name.
func (a *Actor) Name() string { return a.name }

// DID returns the agent DID.
func (a *Actor) DID() string { return a.id.DID }

// Identity returns the public identity view. Never includes private material.
func (a *Actor) Identity() IdentityView {
	return IdentityView{
		DID:        a.id.DID,
		CreatedAt:  a.id.CreatedAt,
		PublicKeys: a.id.PublicKeys,
	}
}

// IdentityView is the wire shape of GET /identity.
type IdentityView struct {
	DID        string              `json:"did"`
	CreatedAt  int64               `json:"createdAt"`
	PublicKeys identity.PublicKeys `json:"publicKeys"`
}

func (a *Actor) run() {
	defer a.stopped.Done()
	for {
		select {
		case j := <-a.mailbox:
			j.fn(context.Background())
			close(j.done)
		case <-a.quit:
			// Drain whatever was already queued so submitters unblock.
			for {
				select {
				case j := <-a.mailbox:
					j.fn(context.Background())
					close(j.done)
				default:
					return
				}
			}
		}
	}
}

// do runs fn on the mailbox goroutine and waits for it. The caller's context
// only bounds the wait, not the job: once queued, a job always runs, so
// durable writes are never half-abandoned.
func (a *Actor) do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-a.quit:
		return ErrClosed
	default:
	}
	var err error
	j := job{done: make(chan struct{}), fn: func(jctx context.Context) { err = fn(jctx) }}
	select {
	case a.mailbox <- j:
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit enqueues fn without waiting. Used by alarm fires and ws prompts.
func (a *Actor) submit(fn func(ctx context.Context)) {
	select {
	case <-a.quit:
		return
	default:
	}
	j := job{done: make(chan struct{}), fn: fn}
	select {
	case a.mailbox <- j:
	case <-a.quit:
	}
}

// Close stops the mailbox, cancels the alarm and drops websocket sessions.
// Loop state stays durable so a restart re-arms.
func (a *Actor) Close() {
	a.closeOnce.Do(func() {
		a.deps.Scheduler.Disarm(a.name)
		close(a.quit)
		a.stopped.Wait()

		a.wsMu.Lock()
		sessions := make([]*wsSession, 0, len(a.ws))
		for s := range a.ws {
			sessions = append(sessions, s)
		}
		a.wsMu.Unlock()
		for _, s := range sessions {
			s.close()
		}
	})
}

// ---- Config ----

// Config returns a snapshot of the agent config.
func (a *Actor) Config(ctx context.Context) (*state.AgentConfig, error) {
	var snapshot state.AgentConfig
	err := a.do(ctx, func(context.Context) error {
		snapshot = *a.cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// PatchConfig deep-merges a patch, clamps bounds, persists and returns the
// merged config. Unspecified fields are preserved. The runtime is rebuilt
// from the merged config, so tool and model changes take effect on the next
// prompt.
func (a *Actor) PatchConfig(ctx context.Context, patch map[string]interface{}) (*state.AgentConfig, error) {
	var snapshot state.AgentConfig
	err := a.do(ctx, func(context.Context) error {
		next, err := a.applyConfigLocked(patch)
		if err != nil {
			return err
		}
		snapshot = *next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// applyConfigLocked merges, persists and installs a config patch, rebuilding
// the runtime against the merged config. Runs on the mailbox goroutine.
func (a *Actor) applyConfigLocked(patch map[string]interface{}) (*state.AgentConfig, error) {
	next, err := a.cfg.ApplyPatch(patch)
	if err != nil {
		return nil, err
	}
	rt, err := a.buildRuntime(next)
	if err != nil {
		return nil, fmt.Errorf("rebuild runtime: %w", err)
	}
	if err := a.deps.DB.PutConfig(a.name, next); err != nil {
		return nil, fmt.Errorf("persist config: %w", err)
	}
	a.cfg = next
	a.rt = rt
	return next, nil
}

// ---- Prompt ----

// Prompt runs one interactive prompt turn: invoke the runtime with the
// current session as history, append both sides to the session, then trim and
// archive. The session is persisted before Prompt returns.
func (a *Actor) Prompt(ctx context.Context, prompt string, options map[string]interface{}) (*runtime.Result, error) {
	var result *runtime.Result
	err := a.do(ctx, func(jctx context.Context) error {
		res, err := a.promptLocked(jctx, prompt, options)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// promptLocked runs on the mailbox goroutine.
func (a *Actor) promptLocked(ctx context.Context, prompt string, options map[string]interface{}) (*runtime.Result, error) {
	opts, err := decodeOptions(options)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, a.deps.PromptTimeout)
	defer cancel()
	result, err := a.rt.Prompt(pctx, prompt, a.sess.Messages, opts)
	if err != nil {
		return nil, fmt.Errorf("prompt: %w", err)
	}

	now := time.Now().UnixMilli()
	a.sess.Messages = append(a.sess.Messages,
		state.Message{Role: "user", Content: prompt, Timestamp: now},
		state.Message{Role: "assistant", Content: result.Output, Timestamp: now},
	)
	if err := a.trimSessionLocked(ctx); err != nil {
		return nil, err
	}
	if err := a.deps.DB.PutSession(a.name, a.sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return result, nil
}

// trimSessionLocked enforces the 50-message session bound. The overflow
// prefix is archived as one private agent.session.archive record in the same
// turn as the trim.
func (a *Actor) trimSessionLocked(ctx context.Context) error {
	overflow := len(a.sess.Messages) - state.MaxSessionMessages
	if overflow <= 0 {
		return nil
	}
	archived := a.sess.Messages[:overflow]
	msgs := make([]interface{}, len(archived))
	for i, m := range archived {
		msgs[i] = map[string]interface{}{
			"role":      m.Role,
			"content":   m.Content,
			"timestamp": m.Timestamp,
		}
	}
	record := map[string]interface{}{
		"$type":      "agent.session.archive",
		"messages":   msgs,
		"archivedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := a.mem.Store(ctx, record, memory.StoreOptions{}); err != nil {
		return fmt.Errorf("archive session overflow: %w", err)
	}
	a.sess.Messages = append([]state.Message(nil), a.sess.Messages[overflow:]...)
	return nil
}

// Session returns a snapshot of the current session.
func (a *Actor) Session(ctx context.Context) (*state.Session, error) {
	var snapshot state.Session
	err := a.do(ctx, func(context.Context) error {
		snapshot = *a.sess
		snapshot.Messages = append([]state.Message(nil), a.sess.Messages...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ---- Internals ----

func (a *Actor) toolHost() *tools.Host {
	return &tools.Host{
		AgentName:   a.name,
		Memory:      a.mem,
		Config:      func() *state.AgentConfig { return a.cfg },
		PatchConfig: a.patchConfigFromTool,
		Broadcast:   a.publish,
		GM:          a.deps.GM,
	}
}

// patchConfigFromTool applies a tool-originated config patch. Tools already
// run inside a mailbox job, so this writes directly instead of re-enqueueing.
// The rebuilt runtime takes over from the next prompt; the turn that invoked
// the tool finishes on the runtime it started with.
func (a *Actor) patchConfigFromTool(ctx context.Context, patch map[string]interface{}) (*state.AgentConfig, error) {
	return a.applyConfigLocked(patch)
}

// buildRuntime constructs the runtime for cfg, with the tool set cfg enables.
func (a *Actor) buildRuntime(cfg *state.AgentConfig) (runtime.Runtime, error) {
	host := a.toolHost()
	host.Config = func() *state.AgentConfig { return cfg }
	return a.deps.Runtime(runtime.Config{
		AgentName: a.name,
		Agent:     cfg,
		Tools:     host.Defs(),
	})
}

// publish pushes an event to the bus with bounded retry, then to this agent's
// websocket subscribers.
func (a *Actor) publish(ctx context.Context, event *events.Event) error {
	err := resilience.Retry(ctx, resilience.DefaultConfig(), func() error {
		return a.deps.Bus.Publish(ctx, event)
	})
	if err != nil {
		return err
	}
	a.pushToSessions(event)
	return nil
}

func (a *Actor) interval() time.Duration {
	return time.Duration(a.cfg.LoopIntervalMs) * time.Millisecond
}

func decodeOptions(options map[string]interface{}) (runtime.PromptOptions, error) {
	var opts runtime.PromptOptions
	if len(options) == 0 {
		return opts, nil
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return opts, nil
}
