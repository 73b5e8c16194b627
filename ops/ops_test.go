package ops

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := New(KindUpload, map[string]string{"local_id": "Task-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.OpID)
	assert.Equal(t, KindUpload, env.Kind)
	assert.Zero(t, env.Attempts)
	assert.False(t, env.QueuedAt.IsZero())
	assert.Equal(t, env.QueuedAt, env.NextAttemptAt)
	assert.JSONEq(t, `{"local_id":"Task-1"}`, string(env.Payload))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := New(KindDeleteRemote, map[string]string{"local_id": "Task-2", "external_id": "ext-2"})
	require.NoError(t, err)
	env.Attempts = 3
	env.NextAttemptAt = time.Now().Add(time.Minute).UTC()
	env.LastError = "planner: 503: busy"

	raw, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.OpID, got.OpID)
	assert.Equal(t, KindDeleteRemote, got.Kind)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "planner: 503: busy", got.LastError)
	assert.True(t, env.NextAttemptAt.Equal(got.NextAttemptAt))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("{not an envelope")
	assert.Error(t, err)
}

func TestNewRejectsUnmarshalablePayload(t *testing.T) {
	_, err := New(KindUpload, make(chan int))
	assert.Error(t, err)
}
