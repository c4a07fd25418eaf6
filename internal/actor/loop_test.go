package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavenet/weave/internal/events"
	"github.com/weavenet/weave/internal/runtime"
	"github.com/weavenet/weave/internal/state"
)

// fireTick runs one alarm fire synchronously through the mailbox.
func fireTick(t *testing.T, a *Actor) {
	t.Helper()
	require.NoError(t, a.do(context.Background(), func(ctx context.Context) error {
		a.tick(ctx)
		return nil
	}))
}

func eventTypes(collected []*events.Event) []string {
	types := make([]string, 0, len(collected))
	for _, e := range collected {
		types = append(types, e.EventType)
	}
	return types
}

func TestLoopStart_ArmsAlarm(t *testing.T) {
	f := newFixture(t)
	a := f.actor(t, "alice")
	collected := collectEvents(t, f.deps.Bus)

	status, err := a.LoopStart(context.Background())
	require.NoError(t, err)
	assert.True(t, status.LoopRunning)
	require.NotNil(t, status.NextAlarm)

	_, armed := f.deps.Scheduler.NextFire("alice")
	assert.True(t, armed, "alarm present iff loopRunning")

	loop, err := f.deps.DB.GetLoop("alice")
	require.NoError(t, err)
	assert.True(t, loop.LoopRunning)

	require.NotEmpty(t, *collected)
	assert.Equal(t, events.TypeLoopStarted, (*collected)[0].EventType)
}

func TestLoopStop_DisarmsAlarm(t *testing.T) {
	f := newFixture(t)
	a := f.actor(t, "alice")

	_, err := a.LoopStart(context.Background())
	require.NoError(t, err)
	status, err := a.LoopStop(context.Background())
	require.NoError(t, err)

	assert.False(t, status.LoopRunning)
	assert.Nil(t, status.NextAlarm)
	_, armed := f.deps.Scheduler.NextFire("alice")
	assert.False(t, armed)
}

func TestTick_IncrementsCountAndReschedules(t *testing.T) {
	f := newFixture(t)
	f.rt.Reply("thought about goals")
	a := f.actor(t, "alice")
	collected := collectEvents(t, f.deps.Bus)

	_, err := a.LoopStart(context.Background())
	require.NoError(t, err)
	fireTick(t, a)

	status, err := a.LoopStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.LoopCount)
	assert.True(t, status.LoopRunning)
	_, armed := f.deps.Scheduler.NextFire("alice")
	assert.True(t, armed, "tick re-arms while loopRunning")

	assert.Equal(t, []string{events.TypeLoopStarted, events.TypeLoopSleep}, eventTypes(*collected))
}

func TestTick_RunsOnFastModel(t *testing.T) {
	f := newFixture(t)
	f.rt.Reply("did a thing")
	a := f.actor(t, "alice")

	_, err := a.LoopStart(context.Background())
	require.NoError(t, err)
	fireTick(t, a)

	require.Len(t, f.rt.Calls, 1)
	assert.Equal(t, state.DefaultFastModel, f.rt.Calls[0].Opts.Model)

	// Interactive prompts keep the primary model.
	_, err = a.Prompt(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Len(t, f.rt.Calls, 2)
	assert.Empty(t, f.rt.Calls[1].Opts.Model)
}

func TestTick_ErrorKeepsLoopArmed(t *testing.T) {
	f := newFixture(t)
	f.rt.Fail(errors.New("tool exploded"))
	a := f.actor(t, "alice")
	collected := collectEvents(t, f.deps.Bus)

	_, err := a.LoopStart(context.Background())
	require.NoError(t, err)
	fireTick(t, a)

	status, err := a.LoopStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.LoopCount, "count increments even on failure")
	assert.True(t, status.LoopRunning)
	require.NotNil(t, status.NextAlarm)
	_, armed := f.deps.Scheduler.NextFire("alice")
	assert.True(t, armed, "a failing tick never leaves the loop unarmed")

	types := eventTypes(*collected)
	assert.Equal(t, []string{events.TypeLoopStarted, events.TypeLoopError, events.TypeLoopSleep}, types)

	var loopErr *events.Event
	for _, e := range *collected {
		if e.EventType == events.TypeLoopError {
			loopErr = e
		}
	}
	require.NotNil(t, loopErr)
	assert.Equal(t, "prompt", loopErr.Context["phase"])
	require.NotNil(t, loopErr.Error)
	assert.Contains(t, loopErr.Error.Message, "tool exploded")
}

func TestTick_TimeoutReportedAsTimeout(t *testing.T) {
	f := newFixture(t)
	f.deps.PromptTimeout = 30 * time.Millisecond
	f.rt.Step(func(ctx context.Context, input string) (*runtime.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a := f.actor(t, "alice")
	collected := collectEvents(t, f.deps.Bus)

	_, err := a.LoopStart(context.Background())
	require.NoError(t, err)
	fireTick(t, a)

	var loopErr *events.Event
	for _, e := range *collected {
		if e.EventType == events.TypeLoopError {
			loopErr = e
		}
	}
	require.NotNil(t, loopErr)
	assert.Equal(t, events.OutcomeTimeout, loopErr.Outcome)
	require.NotNil(t, loopErr.Error)
	assert.True(t, loopErr.Error.Retryable)

	status, err := a.LoopStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.LoopRunning)
	_, armed := f.deps.Scheduler.NextFire("alice")
	assert.True(t, armed)
}

func TestTick_AfterStopDoesNothing(t *testing.T) {
	f := newFixture(t)
	a := f.actor(t, "alice")

	_, err := a.LoopStart(context.Background())
	require.NoError(t, err)
	_, err = a.LoopStop(context.Background())
	require.NoError(t, err)

	fireTick(t, a)

	status, err := a.LoopStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.LoopCount)
	assert.False(t, status.LoopRunning)
	_, armed := f.deps.Scheduler.NextFire("alice")
	assert.False(t, armed)
}

func TestLoop_RearmedOnColdStart(t *testing.T) {
	f := newFixture(t)
	a := f.actor(t, "alice")

	_, err := a.LoopStart(context.Background())
	require.NoError(t, err)
	a.Close()
	_, armed := f.deps.Scheduler.NextFire("alice")
	require.False(t, armed, "close disarms")

	b := f.actor(t, "alice")
	status, err := b.LoopStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.LoopRunning)
	_, armed = f.deps.Scheduler.NextFire("alice")
	assert.True(t, armed, "running loop re-arms after restart")
}
