package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Sequence(t *testing.T) {
	p := New(DefaultConfig())

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Next(), "attempt %d", i+1)
	}
	assert.Equal(t, len(want), p.Attempt())
}

func TestPolicy_Reset(t *testing.T) {
	p := New(Config{Initial: 10 * time.Millisecond, Max: time.Second, Factor: 3})
	p.Next()
	p.Next()

	p.Reset()
	assert.Equal(t, 0, p.Attempt())
	assert.Equal(t, 10*time.Millisecond, p.Next())
}

func TestNew_FillsDefaults(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, 2*time.Second, p.Next())
	assert.Equal(t, 4*time.Second, p.Next())

	p = New(Config{Initial: time.Minute, Max: time.Second, Factor: 2})
	assert.Equal(t, time.Minute, p.Next())
	assert.Equal(t, time.Minute, p.Next(), "max is raised to initial")
}

func TestPolicy_WaitCancelled(t *testing.T) {
	p := New(Config{Initial: time.Hour, Max: time.Hour, Factor: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_Wait(t *testing.T) {
	p := New(Config{Initial: time.Millisecond, Max: time.Millisecond, Factor: 2})
	require.NoError(t, p.Wait(context.Background()))
}
