package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func TestBreakers_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow("x"))
	assert.Equal(t, BreakerClosed, b.Failure("x"))
	assert.Equal(t, BreakerOpen, b.Failure("x"))

	err := b.Allow("x")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolUnavailable))
	assert.NoError(t, b.Allow("y"), "breakers are per tool")

	now = now.Add(time.Minute)
	require.NoError(t, b.Allow("x"), "first probe after cooldown")
	assert.Equal(t, BreakerHalfOpen, b.State("x"))
	assert.Error(t, b.Allow("x"), "probe budget spent")

	b.Success("x")
	assert.Equal(t, BreakerClosed, b.State("x"))
	assert.NoError(t, b.Allow("x"))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	b.Failure("x")
	now = now.Add(time.Second)
	require.NoError(t, b.Allow("x"))
	assert.Equal(t, BreakerOpen, b.Failure("x"))
	assert.Equal(t, "open", b.State("x").String())
}
