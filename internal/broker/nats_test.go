package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUntilReturnsOnceReady(t *testing.T) {
	var up atomic.Bool
	time.AfterFunc(150*time.Millisecond, func() { up.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, waitUntil(ctx, up.Load))
}

func TestWaitUntilImmediateWhenAlreadyReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, waitUntil(ctx, func() bool { return true }))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitUntilHonorsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := waitUntil(ctx, func() bool { return false })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
