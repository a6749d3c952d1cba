// Package patch parses and applies the bespoke patch grammar the
// apply_patch tool accepts: a `*** Begin Patch` envelope around
// `*** Add File:` / `*** Update File:` / `*** Delete File:` sections,
// each followed by unified-diff-style hunks, closed by `*** End Patch`.
// No third-party diff/patch library speaks this exact grammar, so the
// parser is hand-rolled as a small line-oriented scanner, matching how
// this codebase handles other bespoke wire formats (see pkg/sse).
package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OpKind is the action one file section of a patch performs.
type OpKind int

const (
	OpAdd OpKind = iota
	OpUpdate
	OpDelete
)

// FileOp is one file-level operation parsed from a patch.
type FileOp struct {
	Kind OpKind
	Path string
	// MoveTo is set when an Update section renames the file
	// (`*** Update File: a` followed by `*** Move to: b`).
	MoveTo string
	Hunks  []Hunk
	// Content is the full body for an Add section (each line already
	// stripped of its leading '+').
	Content []string
}

// Hunk is one contiguous block of context/add/remove lines within an
// Update section.
type Hunk struct {
	// Context lines (no leading marker) and changed lines (+/-) in
	// original file order, verbatim minus the marker character.
	Lines []HunkLine
}

// HunkLineKind tags one line of a hunk.
type HunkLineKind int

const (
	LineContext HunkLineKind = iota
	LineAdd
	LineRemove
)

type HunkLine struct {
	Kind HunkLineKind
	Text string
}

const (
	beginMarker  = "*** Begin Patch"
	endMarker    = "*** End Patch"
	addPrefix    = "*** Add File: "
	updatePrefix = "*** Update File: "
	deletePrefix = "*** Delete File: "
	moveToPrefix = "*** Move to: "
	hunkMarker   = "@@"
)

// ParseError reports a malformed patch with the offending line number.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string { return fmt.Sprintf("patch: line %d: %s", e.Line, e.Message) }

// Parse parses raw patch text into an ordered list of file operations.
func Parse(raw string) ([]FileOp, error) {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != beginMarker {
		return nil, &ParseError{Line: 1, Message: "missing " + beginMarker}
	}

	var ops []FileOp
	i := 1
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.TrimSpace(line) == endMarker:
			return ops, nil
		case strings.HasPrefix(line, addPrefix):
			op, next, err := parseAddSection(lines, i)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
			i = next
		case strings.HasPrefix(line, updatePrefix):
			op, next, err := parseUpdateSection(lines, i)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
			i = next
		case strings.HasPrefix(line, deletePrefix):
			ops = append(ops, FileOp{Kind: OpDelete, Path: strings.TrimPrefix(line, deletePrefix)})
			i++
		case strings.TrimSpace(line) == "":
			i++
		default:
			return nil, &ParseError{Line: i + 1, Message: fmt.Sprintf("unexpected line %q", line)}
		}
	}
	return nil, &ParseError{Line: len(lines), Message: "missing " + endMarker}
}

func parseAddSection(lines []string, start int) (FileOp, int, error) {
	op := FileOp{Kind: OpAdd, Path: strings.TrimPrefix(lines[start], addPrefix)}
	i := start + 1
	for i < len(lines) && !isSectionBoundary(lines[i]) {
		line := lines[i]
		if !strings.HasPrefix(line, "+") {
			return FileOp{}, 0, &ParseError{Line: i + 1, Message: "add-file line must start with '+'"}
		}
		op.Content = append(op.Content, strings.TrimPrefix(line, "+"))
		i++
	}
	return op, i, nil
}

func parseUpdateSection(lines []string, start int) (FileOp, int, error) {
	op := FileOp{Kind: OpUpdate, Path: strings.TrimPrefix(lines[start], updatePrefix)}
	i := start + 1
	if i < len(lines) && strings.HasPrefix(lines[i], moveToPrefix) {
		op.MoveTo = strings.TrimPrefix(lines[i], moveToPrefix)
		i++
	}
	for i < len(lines) && !isSectionBoundary(lines[i]) {
		if !strings.HasPrefix(lines[i], hunkMarker) {
			return FileOp{}, 0, &ParseError{Line: i + 1, Message: "expected hunk header '@@'"}
		}
		hunk, next, err := parseHunk(lines, i+1)
		if err != nil {
			return FileOp{}, 0, err
		}
		op.Hunks = append(op.Hunks, hunk)
		i = next
	}
	return op, i, nil
}

func parseHunk(lines []string, start int) (Hunk, int, error) {
	var hunk Hunk
	i := start
	for i < len(lines) && !isSectionBoundary(lines[i]) && !strings.HasPrefix(lines[i], hunkMarker) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "+"):
			hunk.Lines = append(hunk.Lines, HunkLine{Kind: LineAdd, Text: strings.TrimPrefix(line, "+")})
		case strings.HasPrefix(line, "-"):
			hunk.Lines = append(hunk.Lines, HunkLine{Kind: LineRemove, Text: strings.TrimPrefix(line, "-")})
		case strings.HasPrefix(line, " "):
			hunk.Lines = append(hunk.Lines, HunkLine{Kind: LineContext, Text: strings.TrimPrefix(line, " ")})
		case line == "":
			hunk.Lines = append(hunk.Lines, HunkLine{Kind: LineContext, Text: ""})
		default:
			return Hunk{}, 0, &ParseError{Line: i + 1, Message: fmt.Sprintf("unexpected hunk line %q", line)}
		}
		i++
	}
	return hunk, i, nil
}

func isSectionBoundary(line string) bool {
	return strings.HasPrefix(line, addPrefix) ||
		strings.HasPrefix(line, updatePrefix) ||
		strings.HasPrefix(line, deletePrefix) ||
		strings.TrimSpace(line) == endMarker
}

// Bounds describes the write boundary a patch's file operations are
// checked against before Apply touches disk.
type Bounds struct {
	Cwd           string
	WritableRoots []string
}

// ErrOutsideWritableRoots is returned when a FileOp targets a path
// outside Cwd and every WritableRoot.
var ErrOutsideWritableRoots = fmt.Errorf("patch: writing outside of the project")

// CheckBounds validates every op's path against b before any write
// happens, so a rejected patch never partially applies.
func CheckBounds(ops []FileOp, b Bounds) error {
	for _, op := range ops {
		if err := checkPath(op.Path, b); err != nil {
			return err
		}
		if op.MoveTo != "" {
			if err := checkPath(op.MoveTo, b); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkPath(path string, b Bounds) error {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(b.Cwd, abs)
	}
	abs = filepath.Clean(abs)

	roots := append([]string{b.Cwd}, b.WritableRoots...)
	for _, root := range roots {
		if root == "" {
			continue
		}
		rootAbs := filepath.Clean(root)
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%w; rejected by user approval settings", ErrOutsideWritableRoots)
}

// Apply writes every op to disk relative to b.Cwd. Callers must call
// CheckBounds first; Apply does not re-validate.
func Apply(ops []FileOp, b Bounds) error {
	for _, op := range ops {
		if err := applyOne(op, b); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(op FileOp, b Bounds) error {
	path := op.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.Cwd, path)
	}

	switch op.Kind {
	case OpAdd:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("patch: mkdir for %s: %w", op.Path, err)
		}
		content := strings.Join(op.Content, "\n")
		if len(op.Content) > 0 {
			content += "\n"
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("patch: write %s: %w", op.Path, err)
		}
	case OpDelete:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("patch: delete %s: %w", op.Path, err)
		}
	case OpUpdate:
		if err := applyUpdate(path, op, b); err != nil {
			return err
		}
	}
	return nil
}

func applyUpdate(path string, op FileOp, b Bounds) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("patch: read %s: %w", op.Path, err)
	}
	lines := strings.Split(string(buf), "\n")

	for _, hunk := range op.Hunks {
		lines, err = applyHunk(lines, hunk)
		if err != nil {
			return fmt.Errorf("patch: apply hunk in %s: %w", op.Path, err)
		}
	}

	dest := path
	if op.MoveTo != "" {
		dest = op.MoveTo
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(b.Cwd, dest)
		}
	}
	if err := os.WriteFile(dest, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("patch: write %s: %w", op.Path, err)
	}
	if op.MoveTo != "" && dest != path {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("patch: remove %s after move: %w", op.Path, err)
		}
	}
	return nil
}

// applyHunk finds the hunk's context+remove lines as a contiguous
// subsequence of lines and replaces them with its context+add lines.
func applyHunk(lines []string, hunk Hunk) ([]string, error) {
	needle := make([]string, 0, len(hunk.Lines))
	for _, l := range hunk.Lines {
		if l.Kind != LineAdd {
			needle = append(needle, l.Text)
		}
	}
	idx := findSubsequence(lines, needle)
	if idx < 0 {
		return nil, fmt.Errorf("context not found in file")
	}

	var replacement []string
	for _, l := range hunk.Lines {
		if l.Kind != LineRemove {
			replacement = append(replacement, l.Text)
		}
	}

	out := make([]string, 0, len(lines)-len(needle)+len(replacement))
	out = append(out, lines[:idx]...)
	out = append(out, replacement...)
	out = append(out, lines[idx+len(needle):]...)
	return out, nil
}

func findSubsequence(haystack, needle []string) int {
	if len(needle) == 0 {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, n := range needle {
			if haystack[i+j] != n {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
