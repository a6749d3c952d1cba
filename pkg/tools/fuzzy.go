package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
)

type fuzzySearchArgs struct {
	Query              string `json:"query"`
	Roots              []string `json:"roots,omitempty"`
	Limit              int    `json:"limit,omitempty"`
	CancellationToken  string `json:"cancellation_token,omitempty"`
}

type fuzzyMatch struct {
	Path  string `json:"path"`
	Score int    `json:"score"`
}

const defaultFuzzyLimit = 20

// FuzzyFileSearchHandler ranks file paths under the turn's cwd (or
// caller-supplied roots) by subsequence match against a query. It is a
// read-only tool: RequiresApproval always reports false.
type FuzzyFileSearchHandler struct {
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

func NewFuzzyFileSearchHandler() *FuzzyFileSearchHandler {
	return &FuzzyFileSearchHandler{cancel: make(map[string]context.CancelFunc)}
}

func (h *FuzzyFileSearchHandler) Spec() harness.ToolSpec {
	return harness.ToolSpec{
		Name:        "fuzzy_file_search",
		Description: "Find files under the workspace whose path best matches a query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":              map[string]any{"type": "string"},
				"roots":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"limit":              map[string]any{"type": "integer"},
				"cancellation_token": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	}
}

func (h *FuzzyFileSearchHandler) RequiresApproval(harness.ToolCallEvent, domain.TurnContext) (approval.Request, bool) {
	return approval.Request{}, false
}

// Cancel aborts the in-flight search registered under token, if any.
// No RPC method of the server calls it.
func (h *FuzzyFileSearchHandler) Cancel(token string) {
	if token == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.cancel[token]; ok {
		cancel()
		delete(h.cancel, token)
	}
}

func (h *FuzzyFileSearchHandler) Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (string, bool, error) {
	var args fuzzySearchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", false, fmt.Errorf("tools: fuzzy_file_search: parse arguments: %w", err)
	}
	if args.Query == "" {
		return "fuzzy_file_search: empty query", true, nil
	}
	roots := args.Roots
	if len(roots) == 0 {
		roots = []string{tc.Cwd}
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultFuzzyLimit
	}

	searchCtx := ctx
	if args.CancellationToken != "" {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithCancel(ctx)
		h.mu.Lock()
		h.cancel[args.CancellationToken] = cancel
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.cancel, args.CancellationToken)
			h.mu.Unlock()
			cancel()
		}()
	}

	var matches []fuzzyMatch
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if searchCtx.Err() != nil {
				return searchCtx.Err()
			}
			if err != nil || d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			if score, ok := subsequenceScore(args.Query, rel); ok {
				matches = append(matches, fuzzyMatch{Path: path, Score: score})
			}
			return nil
		})
		if err != nil && searchCtx.Err() != nil {
			return "fuzzy_file_search: cancelled", true, nil
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out, err := json.Marshal(matches)
	if err != nil {
		return "", false, fmt.Errorf("tools: fuzzy_file_search: marshal results: %w", err)
	}
	return string(out), false, nil
}

// subsequenceScore reports whether query is a case-insensitive
// subsequence of path, and a score rewarding tighter, earlier matches.
func subsequenceScore(query, path string) (int, bool) {
	q := strings.ToLower(query)
	p := strings.ToLower(path)

	qi := 0
	firstMatch := -1
	lastMatch := -1
	for pi := 0; pi < len(p) && qi < len(q); pi++ {
		if p[pi] == q[qi] {
			if firstMatch < 0 {
				firstMatch = pi
			}
			lastMatch = pi
			qi++
		}
	}
	if qi < len(q) {
		return 0, false
	}

	span := lastMatch - firstMatch + 1
	score := 1000 - span - firstMatch
	if strings.Contains(p, q) {
		score += 500
	}
	return score, true
}
