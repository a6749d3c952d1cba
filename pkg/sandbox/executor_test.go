package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codexserver/pkg/domain"
)

func TestDispatchReadOnlyRunsCommand(t *testing.T) {
	result := Dispatch(context.Background(), Request{
		Argv:   []string{"echo", "hello"},
		Policy: domain.ReadOnlyPolicy(),
	})
	require.Equal(t, Ok, result.Outcome)
	require.Contains(t, string(result.Stdout), "hello")
}

func TestDispatchEmptyArgvFails(t *testing.T) {
	result := Dispatch(context.Background(), Request{Policy: domain.ReadOnlyPolicy()})
	require.Equal(t, SpawnFailed, result.Outcome)
	require.Error(t, result.Err)
}

func TestDispatchTimeout(t *testing.T) {
	result := Dispatch(context.Background(), Request{
		Argv:    []string{"sleep", "5"},
		Timeout: 50 * time.Millisecond,
		Policy:  domain.WorkspaceWritePolicy(nil, false),
	})
	require.Equal(t, TimedOut, result.Outcome)
}

func TestDispatchUnknownSandboxKind(t *testing.T) {
	result := Dispatch(context.Background(), Request{
		Argv:   []string{"echo", "hi"},
		Policy: domain.SandboxPolicy{Kind: domain.SandboxKind(99)},
	})
	require.Equal(t, SpawnFailed, result.Outcome)
}

func TestWorkspaceWriteExcludesTmpdirEnv(t *testing.T) {
	result := Dispatch(context.Background(), Request{
		Argv:   []string{"sh", "-c", "echo $TMPDIR"},
		Env:    []string{"TMPDIR=/tmp/original", "PATH=/usr/bin:/bin"},
		Policy: domain.SandboxPolicy{Kind: domain.SandboxWorkspaceWrite, ExcludeTmpdirEnv: true},
	})
	require.Equal(t, Ok, result.Outcome)
	require.NotContains(t, string(result.Stdout), "/tmp/original")
}

func TestExecGroupBoundsConcurrency(t *testing.T) {
	g := NewExecGroup(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- g.Run(context.Background(), Request{Argv: []string{"sleep", "0.2"}, Policy: domain.ReadOnlyPolicy()})
	}()
	time.Sleep(10 * time.Millisecond)

	blocked := g.Run(ctx, Request{Argv: []string{"echo", "blocked"}, Policy: domain.ReadOnlyPolicy()})
	require.Equal(t, SpawnFailed, blocked.Outcome)
	require.Error(t, blocked.Err)

	<-done
}
