package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"codexserver/pkg/domain"
)

func TestEvaluateNeverPolicySkipsAsk(t *testing.T) {
	asked := false
	b := NewBroker(func(ctx context.Context, req Request) (Decision, error) {
		asked = true
		return Denied, nil
	})
	d, err := b.Evaluate(context.Background(), domain.ApprovalNever, Request{ThreadID: "t1", Key: "ls"}, false)
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.False(t, asked)
}

func TestEvaluateOnRequestAlwaysAsks(t *testing.T) {
	calls := 0
	b := NewBroker(func(ctx context.Context, req Request) (Decision, error) {
		calls++
		return ApprovedOnce, nil
	})
	_, err := b.Evaluate(context.Background(), domain.ApprovalOnRequest, Request{ThreadID: "t1", Key: "rm -rf /"}, false)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestEvaluateOnFailureOnlyAsksAfterSandboxFailure(t *testing.T) {
	calls := 0
	b := NewBroker(func(ctx context.Context, req Request) (Decision, error) {
		calls++
		return ApprovedOnce, nil
	})
	d, err := b.Evaluate(context.Background(), domain.ApprovalOnFailure, Request{ThreadID: "t1", Key: "curl x"}, false)
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.Equal(t, 0, calls)

	d, err = b.Evaluate(context.Background(), domain.ApprovalOnFailure, Request{ThreadID: "t1", Key: "curl x"}, true)
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.Equal(t, 1, calls)
}

func TestApprovedForSessionIsRemembered(t *testing.T) {
	calls := 0
	b := NewBroker(func(ctx context.Context, req Request) (Decision, error) {
		calls++
		return ApprovedForSession, nil
	})
	req := Request{ThreadID: "t1", Key: "npm install"}

	d1, err := b.Evaluate(context.Background(), domain.ApprovalOnRequest, req, false)
	require.NoError(t, err)
	require.Equal(t, ApprovedForSession, d1)
	require.Equal(t, 1, calls)

	d2, err := b.Evaluate(context.Background(), domain.ApprovalOnRequest, req, false)
	require.NoError(t, err)
	require.Equal(t, ApprovedForSession, d2)
	require.Equal(t, 1, calls, "second call should be answered from session memory without asking again")
}

func TestForgetThreadClearsSessionMemory(t *testing.T) {
	calls := 0
	b := NewBroker(func(ctx context.Context, req Request) (Decision, error) {
		calls++
		return ApprovedForSession, nil
	})
	req := Request{ThreadID: "t1", Key: "npm install"}
	_, err := b.Evaluate(context.Background(), domain.ApprovalOnRequest, req, false)
	require.NoError(t, err)

	b.ForgetThread("t1")

	_, err = b.Evaluate(context.Background(), domain.ApprovalOnRequest, req, false)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestEvaluateNoAskerReturnsError(t *testing.T) {
	b := NewBroker(nil)
	d, err := b.Evaluate(context.Background(), domain.ApprovalOnRequest, Request{ThreadID: "t1", Key: "x"}, false)
	require.Error(t, err)
	require.Equal(t, Denied, d)
}
