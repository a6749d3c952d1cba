package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
)

func patchCall(t *testing.T, patchText string) harness.ToolCallEvent {
	t.Helper()
	args, err := json.Marshal(applyPatchArgs{Patch: patchText})
	require.NoError(t, err)
	return harness.ToolCallEvent{Arguments: string(args)}
}

func TestApplyPatchHandlerAddsFile(t *testing.T) {
	dir := t.TempDir()
	h := NewApplyPatchHandler()
	call := patchCall(t, "*** Begin Patch\n*** Add File: hello.txt\n+hi\n*** End Patch")
	tc := domain.TurnContext{Cwd: dir, SandboxPolicy: domain.WorkspaceWritePolicy(nil, false)}

	out, isError, err := h.Execute(context.Background(), call, tc)
	require.NoError(t, err)
	require.False(t, isError)
	require.Contains(t, out, "applied")

	got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(got))
}

func TestApplyPatchHandlerRejectsOutsideRoots(t *testing.T) {
	dir := t.TempDir()
	h := NewApplyPatchHandler()
	call := patchCall(t, "*** Begin Patch\n*** Add File: ../../outside.txt\n+x\n*** End Patch")
	tc := domain.TurnContext{Cwd: dir, SandboxPolicy: domain.WorkspaceWritePolicy(nil, false)}

	out, isError, err := h.Execute(context.Background(), call, tc)
	require.NoError(t, err)
	require.True(t, isError)
	require.Contains(t, out, "rejected")
}

func TestApplyPatchHandlerRequiresApprovalOnlyWhenOutOfBounds(t *testing.T) {
	h := NewApplyPatchHandler()
	tc := domain.TurnContext{Cwd: "/workspace", SandboxPolicy: domain.WorkspaceWritePolicy(nil, false)}

	inBounds := patchCall(t, "*** Begin Patch\n*** Add File: a.txt\n+x\n*** End Patch")
	_, needsApproval := h.RequiresApproval(inBounds, tc)
	require.False(t, needsApproval)

	outOfBounds := patchCall(t, "*** Begin Patch\n*** Add File: /etc/passwd\n+x\n*** End Patch")
	_, needsApproval = h.RequiresApproval(outOfBounds, tc)
	require.True(t, needsApproval)
}
