package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"codexserver/pkg/auth"
	"codexserver/pkg/domain"
	"codexserver/pkg/reqconfig"
	"codexserver/pkg/rollout"
	"codexserver/pkg/router"
	"codexserver/pkg/rpc"
)

// Server adapts an Engine, plus the collaborators that answer requests
// outside the pure thread/turn lifecycle (model listing, config, the
// signed-in account), to the wire protocol: RegisterMethods wires
// every pkg/rpc/methods.go client method onto a *rpc.Conn, the same
// Conn whether it's driven over stdio or over pkg/transport/ws.
type Server struct {
	Engine   *Engine
	Rollouts *rollout.Store
	Config   *reqconfig.Config
	Auth     *auth.Store
	Router   *router.Router
	Tools    ToolExecutor
}

// RegisterMethods installs a handler for every method in
// pkg/rpc/methods.go's client-request table, plus the one legacy
// camelCase alias, newConversation, registered directly against the
// thread/start handler. rpc.Conn dispatches on the exact method name
// and does not consult rpc.CanonicalMethod.
// Must be called before conn.ReadLoop starts.
func (s *Server) RegisterMethods(conn *rpc.Conn) {
	conn.OnMethod(rpc.MethodThreadStart, s.handleThreadStart)
	conn.OnMethod("newConversation", s.handleThreadStart)
	conn.OnMethod(rpc.MethodThreadResume, s.handleThreadResume)
	conn.OnMethod(rpc.MethodThreadFork, s.handleThreadFork)
	conn.OnMethod(rpc.MethodThreadArchive, s.handleThreadArchive)
	conn.OnMethod(rpc.MethodThreadUnarchive, s.handleThreadUnarchive)
	conn.OnMethod(rpc.MethodThreadNameSet, s.handleThreadNameSet)
	conn.OnMethod(rpc.MethodThreadRollback, s.handleThreadRollback)
	conn.OnMethod(rpc.MethodThreadList, s.handleThreadList)
	conn.OnMethod(rpc.MethodThreadLoadedList, s.handleThreadLoadedList)
	conn.OnMethod(rpc.MethodThreadRead, s.handleThreadRead)
	conn.OnMethod(rpc.MethodThreadCompactStart, s.handleThreadCompactStart)

	conn.OnMethod(rpc.MethodTurnStart, s.handleTurnStart)
	conn.OnMethod(rpc.MethodTurnInterrupt, s.handleTurnInterrupt)
	conn.OnMethod(rpc.MethodReviewStart, s.handleReviewStart)

	conn.OnMethod(rpc.MethodModelList, s.handleModelList)
	conn.OnMethod(rpc.MethodConfigRead, s.handleConfigRead)
	conn.OnMethod(rpc.MethodConfigRequirementsRead, s.handleConfigRequirementsRead)
	conn.OnMethod(rpc.MethodAccountRead, s.handleAccountRead)
	conn.OnMethod(rpc.MethodAccountLogout, s.handleAccountLogout)

	// Registered so every name in the method table resolves to
	// something (CodeMethodNotFound vs. a typed "not implemented"
	// application error), without building their backing features:
	// experimental-feature flags, collaboration-mode presets, MCP OAuth
	// login, feedback upload, and an arbitrary command/exec surface are
	// all out of scope here.
	for _, m := range []string{
		rpc.MethodExperimentalFeatureList,
		rpc.MethodCollaborationModeList,
		rpc.MethodConfigValueWrite,
		rpc.MethodConfigBatchWrite,
		rpc.MethodAccountLoginStart,
		rpc.MethodAccountLoginCancel,
		rpc.MethodAccountRateLimitsRead,
		rpc.MethodMCPServerOAuthLogin,
		rpc.MethodConfigMCPServerReload,
		rpc.MethodMCPServerStatusList,
		rpc.MethodFeedbackUpload,
		rpc.MethodCommandExec,
		rpc.MethodAppList,
	} {
		conn.OnMethod(m, notImplemented)
	}
}

func notImplemented(ctx context.Context, params json.RawMessage) (any, error) {
	return nil, &rpc.Error{Code: rpc.CodeApplicationErr, Message: "not implemented"}
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("decode params: %w", err)
	}
	return v, nil
}

type threadStartParams struct {
	Cwd                   string `json:"cwd"`
	Model                 string `json:"model"`
	ApprovalPolicy        string `json:"approvalPolicy"`
	SandboxMode           string `json:"sandboxMode"`
	WritableRoots         []string `json:"writableRoots,omitempty"`
	NetworkAccess         bool   `json:"networkAccess,omitempty"`
	ReasoningEffort       string `json:"reasoningEffort,omitempty"`
	ReasoningSummary      string `json:"reasoningSummary,omitempty"`
	UserInstructions      string `json:"userInstructions,omitempty"`
	DeveloperInstructions string `json:"developerInstructions,omitempty"`
	AccountEmail          string `json:"accountEmail,omitempty"`
}

func sandboxPolicyFromMode(mode string, writableRoots []string, network bool) domain.SandboxPolicy {
	switch mode {
	case domain.SandboxWorkspaceWrite.String():
		return domain.WorkspaceWritePolicy(writableRoots, network)
	case domain.SandboxDangerFullAccess.String():
		return domain.DangerFullAccessPolicy()
	case domain.SandboxExternal.String():
		return domain.ExternalSandboxPolicy(network)
	default:
		return domain.ReadOnlyPolicy()
	}
}

func (s *Server) turnContextFromConfig(p threadStartParams) domain.TurnContext {
	model := p.Model
	if model == "" && s.Config != nil {
		model = s.Config.Model.Value()
	}
	approvalPolicy := p.ApprovalPolicy
	if approvalPolicy == "" && s.Config != nil {
		approvalPolicy = s.Config.ApprovalPolicy.Value()
	}
	sandboxMode := p.SandboxMode
	if sandboxMode == "" && s.Config != nil {
		sandboxMode = s.Config.SandboxMode.Value()
	}
	policy, _ := domain.ParseApprovalPolicy(approvalPolicy)
	return domain.TurnContext{
		Cwd:                   p.Cwd,
		Model:                 model,
		ApprovalPolicy:        policy,
		SandboxPolicy:         sandboxPolicyFromMode(sandboxMode, p.WritableRoots, p.NetworkAccess),
		ReasoningEffort:       p.ReasoningEffort,
		ReasoningSummary:      p.ReasoningSummary,
		UserInstructions:      p.UserInstructions,
		DeveloperInstructions: p.DeveloperInstructions,
	}
}

func (s *Server) handleThreadStart(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadStartParams](params)
	if err != nil {
		return nil, err
	}
	account := domain.Account{Mode: domain.AuthModeAPIKey, Email: p.AccountEmail}
	if s.Auth != nil && s.Auth.IsChatGPT() {
		account.Mode = domain.AuthModeChatGPT
	}
	id, err := s.Engine.StartThread(s.turnContextFromConfig(p), account)
	if err != nil {
		return nil, err
	}
	return map[string]any{"threadId": id}, nil
}

type threadIDParams struct {
	ThreadID string `json:"threadId"`
}

func (s *Server) handleThreadResume(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadIDParams](params)
	if err != nil {
		return nil, err
	}
	thread, err := s.Engine.ResumeThread(domain.ThreadID(p.ThreadID))
	if err != nil {
		return nil, err
	}
	return thread, nil
}

type threadForkParams struct {
	ThreadID  string `json:"threadId"`
	UpToIndex int    `json:"upToIndex"`
}

func (s *Server) handleThreadFork(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadForkParams](params)
	if err != nil {
		return nil, err
	}
	id, err := s.Engine.ForkThread(domain.ThreadID(p.ThreadID), p.UpToIndex)
	if err != nil {
		return nil, err
	}
	return map[string]any{"threadId": id}, nil
}

func (s *Server) handleThreadArchive(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadIDParams](params)
	if err != nil {
		return nil, err
	}
	return struct{}{}, s.Engine.ArchiveThread(domain.ThreadID(p.ThreadID))
}

func (s *Server) handleThreadUnarchive(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadIDParams](params)
	if err != nil {
		return nil, err
	}
	return struct{}{}, s.Engine.UnarchiveThread(domain.ThreadID(p.ThreadID))
}

type threadNameSetParams struct {
	ThreadID string `json:"threadId"`
	Name     string `json:"name"`
}

func (s *Server) handleThreadNameSet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadNameSetParams](params)
	if err != nil {
		return nil, err
	}
	return struct{}{}, s.Engine.SetThreadName(domain.ThreadID(p.ThreadID), p.Name)
}

type threadRollbackParams struct {
	ThreadID    string `json:"threadId"`
	ToItemIndex int    `json:"toItemIndex"`
}

func (s *Server) handleThreadRollback(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadRollbackParams](params)
	if err != nil {
		return nil, err
	}
	return struct{}{}, s.Engine.Rollback(domain.ThreadID(p.ThreadID), p.ToItemIndex)
}

type threadListParams struct {
	Limit      int    `json:"limit,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
	SortKey    string `json:"sortKey,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
	CwdPrefix  string `json:"cwdPrefix,omitempty"`
}

func (s *Server) handleThreadList(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadListParams](params)
	if err != nil {
		return nil, err
	}
	sortKey := rollout.SortUpdatedAt
	if p.SortKey == string(rollout.SortCreatedAt) {
		sortKey = rollout.SortCreatedAt
	}
	return s.Rollouts.ListThreads(p.Limit, p.Cursor, sortKey, rollout.ListFilter{
		ProviderID: p.ProviderID,
		CwdPrefix:  p.CwdPrefix,
	})
}

func (s *Server) handleThreadLoadedList(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"threadIds": s.Engine.LoadedThreadIDs()}, nil
}

func (s *Server) handleThreadRead(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadIDParams](params)
	if err != nil {
		return nil, err
	}
	return s.Rollouts.Replay(domain.ThreadID(p.ThreadID))
}

func (s *Server) handleThreadCompactStart(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadIDParams](params)
	if err != nil {
		return nil, err
	}
	return struct{}{}, s.Engine.CompactStart(domain.ThreadID(p.ThreadID))
}

type turnStartParams struct {
	ThreadID string `json:"threadId"`
	UserText string `json:"userText"`
}

func (s *Server) handleTurnStart(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[turnStartParams](params)
	if err != nil {
		return nil, err
	}
	return s.Engine.RunTurn(ctx, domain.ThreadID(p.ThreadID), p.UserText, s.Tools)
}

func (s *Server) handleTurnInterrupt(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[threadIDParams](params)
	if err != nil {
		return nil, err
	}
	return struct{}{}, s.Engine.InterruptTurn(domain.ThreadID(p.ThreadID))
}

func (s *Server) handleReviewStart(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[turnStartParams](params)
	if err != nil {
		return nil, err
	}
	return s.Engine.StartReview(ctx, domain.ThreadID(p.ThreadID), p.UserText, s.Tools)
}

func (s *Server) handleModelList(ctx context.Context, params json.RawMessage) (any, error) {
	if s.Router == nil {
		return map[string]any{"models": []struct{}{}}, nil
	}
	return map[string]any{"models": s.Router.AllModels(ctx)}, nil
}

func (s *Server) handleConfigRead(ctx context.Context, params json.RawMessage) (any, error) {
	if s.Config == nil {
		return reqconfig.Default(), nil
	}
	return map[string]any{
		"model":              s.Config.Model.Value(),
		"approvalPolicy":     s.Config.ApprovalPolicy.Value(),
		"sandboxMode":        s.Config.SandboxMode.Value(),
		"cwd":                s.Config.Cwd,
		"agentJobMaxThreads": s.Config.AgentJobMaxThreads,
	}, nil
}

func (s *Server) handleConfigRequirementsRead(ctx context.Context, params json.RawMessage) (any, error) {
	if s.Config == nil {
		return map[string]any{}, nil
	}
	return map[string]any{
		"allowedModels":           s.Config.Model.Allowed(),
		"allowedApprovalPolicies": s.Config.ApprovalPolicy.Allowed(),
		"allowedSandboxModes":     s.Config.SandboxMode.Allowed(),
	}, nil
}

func (s *Server) handleAccountRead(ctx context.Context, params json.RawMessage) (any, error) {
	if s.Auth == nil {
		return map[string]any{"signedIn": false}, nil
	}
	return map[string]any{
		"signedIn":   true,
		"accountId":  s.Auth.AccountID(),
		"chatgpt":    s.Auth.IsChatGPT(),
		"canRefresh": s.Auth.CanRefresh(),
	}, nil
}

func (s *Server) handleAccountLogout(ctx context.Context, params json.RawMessage) (any, error) {
	return struct{}{}, nil
}
