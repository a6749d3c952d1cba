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

func TestFuzzyFileSearchFindsBestMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "internal", "server"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "internal", "server", "handler.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))

	h := NewFuzzyFileSearchHandler()
	args, err := json.Marshal(fuzzySearchArgs{Query: "handler"})
	require.NoError(t, err)
	call := harness.ToolCallEvent{Arguments: string(args)}

	out, isError, err := h.Execute(context.Background(), call, domain.TurnContext{Cwd: dir})
	require.NoError(t, err)
	require.False(t, isError)

	var matches []fuzzyMatch
	require.NoError(t, json.Unmarshal([]byte(out), &matches))
	require.NotEmpty(t, matches)
	require.Contains(t, matches[0].Path, "handler.go")
}

func TestFuzzyFileSearchEmptyQueryIsError(t *testing.T) {
	h := NewFuzzyFileSearchHandler()
	call := harness.ToolCallEvent{Arguments: `{"query":""}`}
	_, isError, err := h.Execute(context.Background(), call, domain.TurnContext{Cwd: t.TempDir()})
	require.NoError(t, err)
	require.True(t, isError)
}

func TestFuzzyFileSearchNeverRequiresApproval(t *testing.T) {
	h := NewFuzzyFileSearchHandler()
	_, ok := h.RequiresApproval(harness.ToolCallEvent{}, domain.TurnContext{})
	require.False(t, ok)
}

func TestSubsequenceScoreMatchesOutOfOrderFails(t *testing.T) {
	_, ok := subsequenceScore("zyx", "xyz")
	require.False(t, ok)
}

func TestSubsequenceScorePrefersTighterSpan(t *testing.T) {
	tight, ok := subsequenceScore("abc", "abc.go")
	require.True(t, ok)
	loose, ok := subsequenceScore("abc", "a_b_c.go")
	require.True(t, ok)
	require.Greater(t, tight, loose)
}
