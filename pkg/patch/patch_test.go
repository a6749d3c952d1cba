package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddFile(t *testing.T) {
	ops, err := Parse(`*** Begin Patch
*** Add File: greeting.txt
+hello
+world
*** End Patch`)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, OpAdd, ops[0].Kind)
	require.Equal(t, "greeting.txt", ops[0].Path)
	require.Equal(t, []string{"hello", "world"}, ops[0].Content)
}

func TestParseUpdateFileWithHunk(t *testing.T) {
	ops, err := Parse(`*** Begin Patch
*** Update File: main.go
@@
 package main
-func old() {}
+func new() {}
*** End Patch`)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, OpUpdate, ops[0].Kind)
	require.Len(t, ops[0].Hunks, 1)
	require.Len(t, ops[0].Hunks[0].Lines, 3)
}

func TestParseUpdateFileWithMove(t *testing.T) {
	ops, err := Parse(`*** Begin Patch
*** Update File: old.go
*** Move to: new.go
@@
-x
+y
*** End Patch`)
	require.NoError(t, err)
	require.Equal(t, "new.go", ops[0].MoveTo)
}

func TestParseDeleteFile(t *testing.T) {
	ops, err := Parse(`*** Begin Patch
*** Delete File: gone.txt
*** End Patch`)
	require.NoError(t, err)
	require.Equal(t, OpDelete, ops[0].Kind)
	require.Equal(t, "gone.txt", ops[0].Path)
}

func TestParseMultipleSections(t *testing.T) {
	ops, err := Parse(`*** Begin Patch
*** Add File: a.txt
+one
*** Delete File: b.txt
*** End Patch`)
	require.NoError(t, err)
	require.Len(t, ops, 2)
}

func TestParseMissingBeginMarker(t *testing.T) {
	_, err := Parse("*** Add File: a.txt\n+x\n*** End Patch")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseMissingEndMarker(t *testing.T) {
	_, err := Parse("*** Begin Patch\n*** Add File: a.txt\n+x")
	require.Error(t, err)
}

func TestParseAddFileRejectsLineWithoutPlus(t *testing.T) {
	_, err := Parse(`*** Begin Patch
*** Add File: a.txt
not-a-plus-line
*** End Patch`)
	require.Error(t, err)
}

func TestCheckBoundsAllowsCwd(t *testing.T) {
	ops := []FileOp{{Kind: OpAdd, Path: "sub/file.txt"}}
	err := CheckBounds(ops, Bounds{Cwd: "/workspace/project"})
	require.NoError(t, err)
}

func TestCheckBoundsRejectsOutsideRoots(t *testing.T) {
	ops := []FileOp{{Kind: OpAdd, Path: "../../etc/passwd"}}
	err := CheckBounds(ops, Bounds{Cwd: "/workspace/project"})
	require.ErrorIs(t, err, ErrOutsideWritableRoots)
}

func TestCheckBoundsAllowsAdditionalWritableRoot(t *testing.T) {
	ops := []FileOp{{Kind: OpAdd, Path: "/var/scratch/out.txt"}}
	err := CheckBounds(ops, Bounds{Cwd: "/workspace/project", WritableRoots: []string{"/var/scratch"}})
	require.NoError(t, err)
}

func TestApplyAddFileWritesContent(t *testing.T) {
	dir := t.TempDir()
	ops := []FileOp{{Kind: OpAdd, Path: "notes/todo.txt", Content: []string{"buy milk"}}}
	require.NoError(t, Apply(ops, Bounds{Cwd: dir}))

	got, err := os.ReadFile(filepath.Join(dir, "notes", "todo.txt"))
	require.NoError(t, err)
	require.Equal(t, "buy milk\n", string(got))
}

func TestApplyDeleteFileRemoves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, Apply([]FileOp{{Kind: OpDelete, Path: "gone.txt"}}, Bounds{Cwd: dir}))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestApplyUpdateFileReplacesHunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\nfunc old() {}\n"), 0o644))

	ops, err := Parse(`*** Begin Patch
*** Update File: main.go
@@
 package main
-func old() {}
+func new() {}
*** End Patch`)
	require.NoError(t, err)
	require.NoError(t, Apply(ops, Bounds{Cwd: dir}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "package main\nfunc new() {}\n", string(got))
}

func TestApplyUpdateFileWithMoveRenames(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.go")
	require.NoError(t, os.WriteFile(oldPath, []byte("x\n"), 0o644))

	ops, err := Parse(`*** Begin Patch
*** Update File: old.go
*** Move to: new.go
@@
-x
+y
*** End Patch`)
	require.NoError(t, err)
	require.NoError(t, Apply(ops, Bounds{Cwd: dir}))

	_, err = os.Stat(oldPath)
	require.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(filepath.Join(dir, "new.go"))
	require.NoError(t, err)
	require.Equal(t, "y\n", string(got))
}

func TestApplyUpdateFileMissingContextFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))

	ops := []FileOp{{Kind: OpUpdate, Path: "main.go", Hunks: []Hunk{{Lines: []HunkLine{
		{Kind: LineRemove, Text: "this does not exist"},
		{Kind: LineAdd, Text: "replacement"},
	}}}}}
	err := Apply(ops, Bounds{Cwd: dir})
	require.Error(t, err)
}
