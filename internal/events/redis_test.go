package events

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableRedis returns a client whose every command fails fast.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  200 * time.Millisecond,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		MaxRetries:   -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisBus_PublishFailureDeliversLocallyAndErrors(t *testing.T) {
	b := &RedisBus{local: NewLocalBus(), rdb: unreachableRedis(t), channel: "weave:test"}
	t.Cleanup(func() { b.local.Close() })

	var got []*Event
	unsub := b.Subscribe(func(e *Event) { got = append(got, e) })
	defer unsub()

	event := New("did:weave:000000000000000000000000", TypeBroadcast, OutcomeSuccess, nil)
	err := b.Publish(context.Background(), event)

	require.Error(t, err, "callers with a retry policy must see the failure")
	require.Len(t, got, 1, "local subscribers still receive the event")
	assert.Equal(t, event.ID, got[0].ID)
}
