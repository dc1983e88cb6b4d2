package command

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestShellRunner_Success(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	res, err := NewShellRunner().Run(context.Background(), Spec{Command: "pwd; echo oops >&2", Dir: dir})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, dir)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestShellRunner_NonZeroExitIsNotAnError(t *testing.T) {
	requireShell(t)
	res, err := NewShellRunner().Run(context.Background(), Spec{Command: "echo failing; exit 3"})
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "failing\n", res.Stdout)
}

func TestShellRunner_StdinAndTee(t *testing.T) {
	requireShell(t)
	var tee bytes.Buffer
	res, err := NewShellRunner().Run(context.Background(), Spec{
		Command: "cat",
		Stdin:   strings.NewReader("the prompt"),
		Output:  &tee,
	})
	require.NoError(t, err)
	assert.Equal(t, "the prompt", res.Stdout)
	assert.Equal(t, "the prompt", tee.String())
}

func TestShellRunner_Cancel(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := NewShellRunner().Run(ctx, Spec{Command: "sleep 30"})
	require.Error(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellRunner_EmptyCommand(t *testing.T) {
	_, err := NewShellRunner().Run(context.Background(), Spec{Command: "  "})
	assert.Error(t, err)
}
