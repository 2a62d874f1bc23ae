package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerFiresJobWithBaseContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "pass")
	r := New(ctx, nil)

	var calls atomic.Int32
	var seen atomic.Value
	_, err := r.Add("@every 1s", func(ctx context.Context) {
		seen.Store(ctx.Value(key{}))
		calls.Add(1)
	})
	require.NoError(t, err)

	r.Start()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	r.Stop()
	assert.Equal(t, "pass", seen.Load())
}

func TestRunnerRejectsBadSpec(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Add("not a spec", func(context.Context) {})
	assert.Error(t, err)
}
