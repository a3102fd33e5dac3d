package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_BudgetRefillsAfterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(2, time.Minute)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := w.Available(ctx, "starts")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, w.Record(ctx, "starts"))
		now = now.Add(10 * time.Second)
	}

	ok, _ := w.Available(ctx, "starts")
	assert.False(t, ok, "budget exhausted inside the window")

	ok, _ = w.Available(ctx, "other")
	assert.True(t, ok, "keys are budgeted independently")

	now = now.Add(41 * time.Second)
	ok, _ = w.Available(ctx, "starts")
	assert.True(t, ok, "the first event slid out of the window")
}

func TestWindow_AvailableDoesNotConsume(t *testing.T) {
	w := NewWindow(1, time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := w.Available(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestUnlimited(t *testing.T) {
	var l Limiter = Unlimited{}
	ok, err := l.Available(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
}
