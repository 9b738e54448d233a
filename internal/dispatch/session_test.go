package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/config"
)

// fakeAgent writes a shell script that stands in for the agent binary. It
// swallows the print-mode flags and the stdin prompt like the real thing.
func fakeAgent(t *testing.T, body string) *SessionRunner {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\ncat > /dev/null\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return NewSessionRunner(config.AgentConfig{Command: path})
}

func TestRun_CapturesTranscriptAndExitZero(t *testing.T) {
	r := fakeAgent(t, `echo "Edited: a.ts"
echo "2 pass"
echo "commit abcdef1"
echo "noise" >&2`)

	out := r.Run(context.Background(), SessionSpec{
		Prompt:  "do the thing",
		Timeout: 10 * time.Second,
		Dir:     t.TempDir(),
	})

	assert.Equal(t, 0, out.ExitCode)
	assert.False(t, out.TimedOut)
	assert.NoError(t, out.StartErr)
	assert.Contains(t, out.Stdout, "Edited: a.ts")
	assert.Contains(t, out.Stderr, "noise")
	assert.Greater(t, out.Duration, time.Duration(0))
}

func TestRun_RunsInWorkspaceDirectory(t *testing.T) {
	r := fakeAgent(t, "pwd")
	dir := t.TempDir()

	out := r.Run(context.Background(), SessionSpec{Prompt: "x", Timeout: 10 * time.Second, Dir: dir})

	require.Equal(t, 0, out.ExitCode)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, resolved)
}

func TestRun_NonZeroExitIsCaptured(t *testing.T) {
	r := fakeAgent(t, "exit 3")

	out := r.Run(context.Background(), SessionSpec{Prompt: "x", Timeout: 10 * time.Second, Dir: t.TempDir()})

	assert.Equal(t, 3, out.ExitCode)
	assert.False(t, out.TimedOut)
	assert.NoError(t, out.StartErr)
}

func TestRun_WallClockTimeoutKillsProcess(t *testing.T) {
	r := fakeAgent(t, "exec sleep 30")

	started := time.Now()
	out := r.Run(context.Background(), SessionSpec{Prompt: "x", Timeout: 100 * time.Millisecond, Dir: t.TempDir()})

	assert.True(t, out.TimedOut)
	assert.Equal(t, -1, out.ExitCode)
	assert.Less(t, time.Since(started), 10*time.Second, "kill must be immediate, not sleep-length")
}

func TestRun_MissingCommandIsStartError(t *testing.T) {
	r := NewSessionRunner(config.AgentConfig{Command: filepath.Join(t.TempDir(), "no-such-binary")})

	out := r.Run(context.Background(), SessionSpec{Prompt: "x", Timeout: time.Second, Dir: t.TempDir()})

	assert.Error(t, out.StartErr)
	assert.Equal(t, -1, out.ExitCode)
	assert.False(t, out.TimedOut)
}
