package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) fire(agent string, at time.Time) {
	r.mu.Lock()
	r.fired = append(r.fired, agent)
	r.mu.Unlock()
	r.ch <- agent
}

func (r *recorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case agent := <-r.ch:
		return agent
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alarm")
		return ""
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fired...)
}

func TestArm_FiresOnceAndDisarms(t *testing.T) {
	s := New()
	defer s.Close()
	rec := newRecorder()

	s.Arm("alice", time.Now().Add(20*time.Millisecond), rec.fire)
	assert.Equal(t, 1, s.Armed())

	assert.Equal(t, "alice", rec.wait(t))

	// One-shot: the alarm is gone after firing.
	assert.Eventually(t, func() bool { return s.Armed() == 0 }, time.Second, 5*time.Millisecond)
	_, armed := s.NextFire("alice")
	assert.False(t, armed)
}

func TestArm_OrdersByDeadline(t *testing.T) {
	s := New()
	defer s.Close()
	rec := newRecorder()

	now := time.Now()
	s.Arm("late", now.Add(80*time.Millisecond), rec.fire)
	s.Arm("early", now.Add(20*time.Millisecond), rec.fire)
	s.Arm("mid", now.Add(50*time.Millisecond), rec.fire)

	assert.Equal(t, "early", rec.wait(t))
	assert.Equal(t, "mid", rec.wait(t))
	assert.Equal(t, "late", rec.wait(t))
}

func TestArm_ReplacesExistingAlarm(t *testing.T) {
	s := New()
	defer s.Close()
	rec := newRecorder()

	s.Arm("alice", time.Now().Add(time.Hour), rec.fire)
	s.Arm("alice", time.Now().Add(20*time.Millisecond), rec.fire)
	assert.Equal(t, 1, s.Armed(), "re-arming replaces, never duplicates")

	assert.Equal(t, "alice", rec.wait(t))
	assert.Equal(t, []string{"alice"}, rec.snapshot())
}

func TestDisarm_CancelsPendingAlarm(t *testing.T) {
	s := New()
	defer s.Close()
	rec := newRecorder()

	s.Arm("alice", time.Now().Add(30*time.Millisecond), rec.fire)
	s.Arm("bob", time.Now().Add(30*time.Millisecond), rec.fire)
	s.Disarm("alice")
	assert.Equal(t, 1, s.Armed())

	assert.Equal(t, "bob", rec.wait(t))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"bob"}, rec.snapshot())
}

func TestNextFire_ReportsDeadline(t *testing.T) {
	s := New()
	defer s.Close()

	at := time.Now().Add(time.Hour)
	s.Arm("alice", at, func(string, time.Time) {})

	got, armed := s.NextFire("alice")
	require.True(t, armed)
	assert.True(t, got.Equal(at))
}

func TestClose_StopsDispatch(t *testing.T) {
	s := New()
	rec := newRecorder()
	s.Arm("alice", time.Now().Add(20*time.Millisecond), rec.fire)
	s.Close()
	s.Arm("bob", time.Now().Add(10*time.Millisecond), rec.fire)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "nothing fires after Close")
}

func TestFire_PanicDoesNotKillDispatch(t *testing.T) {
	s := New()
	defer s.Close()
	rec := newRecorder()

	s.Arm("bad", time.Now().Add(10*time.Millisecond), func(string, time.Time) {
		panic("tick exploded")
	})
	time.Sleep(30 * time.Millisecond)
	s.Arm("good", time.Now().Add(10*time.Millisecond), rec.fire)

	assert.Equal(t, "good", rec.wait(t))
}
