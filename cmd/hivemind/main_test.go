package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(args ...string) error {
	cmd := newRootCmd()
	cmd.SetOut(bytes.NewBuffer(nil))
	cmd.SetErr(bytes.NewBuffer(nil))
	cmd.SetArgs(args)
	return cmd.Execute()
}

func exitCodeOf(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return -1
}

func TestRunRejectsUnknownArchitecture(t *testing.T) {
	err := executeCommand("run", "--arch", "ring", "some task")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeOf(err))
	assert.Contains(t, err.Error(), "unknown architecture")
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	err := executeCommand("run", "--strategy", "vibes", "some task")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeOf(err))
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestRunRejectsZeroWorkers(t *testing.T) {
	err := executeCommand("run", "--workers", "0", "some task")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeOf(err))
}

func TestRunRejectsInvertedAgentBounds(t *testing.T) {
	err := executeCommand("run", "--min-agents", "5", "--max-agents", "2", "some task")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeOf(err))
	assert.Contains(t, err.Error(), "min-agents")
}

func TestRunRequiresTask(t *testing.T) {
	err := executeCommand("run")
	require.Error(t, err)
}

func TestExitErrorCarriesCode(t *testing.T) {
	err := taskErr(errors.New("boom"))
	assert.Equal(t, exitTask, exitCodeOf(err))
	assert.EqualError(t, err, "boom")

	assert.Equal(t, exitBackend, exitCodeOf(backendErr(errors.New("down"))))
	assert.Equal(t, exitInternal, exitCodeOf(internalErr(errors.New("bug"))))
}
