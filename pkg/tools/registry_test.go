package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
)

type stubHandler struct {
	name     string
	output   string
	isError  bool
	approve  bool
	approval approval.Request
}

func (s *stubHandler) Spec() harness.ToolSpec {
	return harness.ToolSpec{Name: s.name, Description: "stub"}
}

func (s *stubHandler) Execute(context.Context, harness.ToolCallEvent, domain.TurnContext) (string, bool, error) {
	return s.output, s.isError, nil
}

func (s *stubHandler) RequiresApproval(harness.ToolCallEvent, domain.TurnContext) (approval.Request, bool) {
	return s.approval, s.approve
}

func TestRegistryExecuteDispatchesByName(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", &stubHandler{name: "stub", output: "ok"})

	out, isError, err := r.Execute(context.Background(), harness.ToolCallEvent{Name: "stub"}, domain.TurnContext{})
	require.NoError(t, err)
	require.False(t, isError)
	require.Equal(t, "ok", out)
}

func TestRegistryExecuteUnknownToolErrors(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Execute(context.Background(), harness.ToolCallEvent{Name: "missing"}, domain.TurnContext{})
	require.Error(t, err)
}

func TestRegistryRequiresApprovalDispatchesByName(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", &stubHandler{name: "stub", approve: true, approval: approval.Request{Key: "x"}})

	req, ok := r.RequiresApproval(harness.ToolCallEvent{Name: "stub"}, domain.TurnContext{})
	require.True(t, ok)
	require.Equal(t, "x", req.Key)

	_, ok = r.RequiresApproval(harness.ToolCallEvent{Name: "missing"}, domain.TurnContext{})
	require.False(t, ok)
}

func TestRegistrySpecsAggregatesAllHandlers(t *testing.T) {
	r := NewRegistry()
	r.Register("a", &stubHandler{name: "a"})
	r.Register("b", &stubHandler{name: "b"})

	specs := r.Specs()
	require.Len(t, specs, 2)
}
