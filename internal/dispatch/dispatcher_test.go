package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	d := New(Config{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond}, nil, nil)

	var calls atomic.Int32
	ok := d.Submit(context.Background(), "audit", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	require.True(t, ok)

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	d := New(Config{Workers: 1, MaxAttempts: 2, Backoff: time.Millisecond}, nil, nil)

	var calls atomic.Int32
	d.Submit(context.Background(), "event", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("down")
	})
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_SurvivesPanics(t *testing.T) {
	d := New(Config{Workers: 1, MaxAttempts: 1}, nil, nil)

	var ran atomic.Bool
	d.Submit(context.Background(), "bad", func(ctx context.Context) error { panic("boom") })
	d.Submit(context.Background(), "good", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, d.Close(context.Background()))
	assert.True(t, ran.Load())
}

func TestDispatcher_RejectsAfterClose(t *testing.T) {
	d := New(Config{Workers: 1}, nil, nil)
	require.NoError(t, d.Close(context.Background()))
	assert.False(t, d.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }))
}

func TestDispatcher_TaskOutlivesRequestContext(t *testing.T) {
	d := New(Config{Workers: 1, MaxAttempts: 1}, nil, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value

	d.Submit(reqCtx, "event", func(ctx context.Context) error {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		return nil
	})
	<-started
	cancel()
	close(release)

	require.NoError(t, d.Close(context.Background()))
	assert.Nil(t, ctxErr.Load())
}

func TestInline_RunsImmediately(t *testing.T) {
	var ran bool
	Inline{}.Submit(context.Background(), "x", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, ran)
}
