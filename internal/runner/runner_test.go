package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	res, err := Run(context.Background(), time.Second, "true")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)
	assert.False(t, res.TimedOut)
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), time.Second, "false")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitStatus)
	assert.False(t, res.TimedOut)
}

func TestRunTimeout(t *testing.T) {
	res, err := Run(context.Background(), 50*time.Millisecond, "sleep", "5")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitStatus, res.ExitStatus)
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), time.Second, "this-binary-does-not-exist-xyz")
	require.Error(t, err)
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Run(ctx, time.Second, "sleep", "5")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
}
