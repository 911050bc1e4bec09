//go:build !windows

// ABOUTME: Tests for the unix process liveness probe
// ABOUTME: The current process is alive; a reaped child is not

package updater

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, processAlive(cmd.Process.Pid))
}
