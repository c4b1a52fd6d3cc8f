package utils

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slotCounter runs the slot scripts' logic in memory, keyed by script hash.
type slotCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]int64
}

func newSlotCounter() *slotCounter {
	return &slotCounter{counts: map[string]int64{}, ttls: map[string]int64{}}
}

func (f *slotCounter) EvalSha(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewCmd(ctx)
	k := keys[0]
	switch sha {
	case slotAcquireScript.Hash():
		f.counts[k]++
		f.ttls[k] = args[1].(int64)
		if f.counts[k] > int64(args[0].(int)) {
			f.counts[k]--
			cmd.SetVal(int64(0))
			return cmd
		}
		cmd.SetVal(int64(1))
	case slotReleaseScript.Hash():
		f.counts[k]--
		cur := f.counts[k]
		if cur <= 0 {
			delete(f.counts, k)
			delete(f.ttls, k)
		}
		cmd.SetVal(cur)
	default:
		cmd.SetErr(fmt.Errorf("NOSCRIPT unknown script %s", sha))
	}
	return cmd
}

func (f *slotCounter) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(fmt.Errorf("unexpected EVAL"))
	return cmd
}

func (f *slotCounter) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *slotCounter) EvalShaRO(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *slotCounter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceCmd(ctx)
}

func (f *slotCounter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringCmd(ctx)
}

func TestSlots_CapAndRelease(t *testing.T) {
	ctx := context.Background()
	rdb := newSlotCounter()

	for i := 0; i < 2; i++ {
		ok, err := AcquireSlot(ctx, rdb, "webhooks:paystack", 2, 30*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := AcquireSlot(ctx, rdb, "webhooks:paystack", 2, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "third holder is refused")
	assert.Equal(t, int64(2), rdb.counts["wallet:slots:webhooks:paystack"])
	assert.Equal(t, int64(30000), rdb.ttls["wallet:slots:webhooks:paystack"])

	ok, err = AcquireSlot(ctx, rdb, "webhooks:flutterwave", 2, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "providers have separate caps")

	require.NoError(t, ReleaseSlot(ctx, rdb, "webhooks:paystack"))
	ok, err = AcquireSlot(ctx, rdb, "webhooks:paystack", 2, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ReleaseSlot(ctx, rdb, "webhooks:paystack"))
	require.NoError(t, ReleaseSlot(ctx, rdb, "webhooks:paystack"))
	_, held := rdb.counts["wallet:slots:webhooks:paystack"]
	assert.False(t, held, "idle counter is deleted")
}

func TestAcquireSlot_RejectsBadArgs(t *testing.T) {
	ctx := context.Background()

	_, err := AcquireSlot(ctx, nil, "k", 1, time.Second)
	assert.Error(t, err)
	_, err = AcquireSlot(ctx, newSlotCounter(), "", 1, time.Second)
	assert.Error(t, err)
	_, err = AcquireSlot(ctx, newSlotCounter(), "k", 0, time.Second)
	assert.Error(t, err)
	_, err = AcquireSlot(ctx, newSlotCounter(), "k", 1, time.Microsecond)
	assert.Error(t, err)

	_, err = OpenRedis(ctx, RedisConfig{})
	assert.Error(t, err, "empty addr must fail before dialing")
}

func TestRedisDefaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	assert.Equal(t, 20, c.PoolSize)
	assert.Equal(t, 2*time.Second, c.PingTimeout)
}
