package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrWorkspaceMismatch is returned when a refreshed token's workspace
// claim doesn't match the server's forced workspace requirement.
var ErrWorkspaceMismatch = errors.New("auth: chatgpt account workspace does not match forced workspace")

// Provider is the common auth surface; *Store (file-backed,
// in-process HTTP refresh) and *ExternalStore (host-injected, server-initiated
// refresh) both satisfy it.
type Provider interface {
	AuthorizationToken() (string, error)
	AccountID() string
	IsChatGPT() bool
	CanRefresh() bool
	Refresh(ctx context.Context, opts RefreshOptions) error
}

var (
	_ Provider = (*Store)(nil)
	_ Provider = (*ExternalStore)(nil)
)

// RefreshRequester performs a server-initiated refresh request to the
// front end and returns the new tokens. ExternalStore.Refresh calls it.
type RefreshRequester func(ctx context.Context) (accessToken, refreshToken string, err error)

// ExternalStore is a Provider implementation for hosts that inject
// ChatGPT auth tokens directly (no auth.json on disk) and perform
// their own OAuth dance, asking the agent server to trigger a refresh
// via a server-initiated request rather than the in-process HTTP
// refresh *Store uses.
type ExternalStore struct {
	mu                       sync.Mutex
	accessToken              string
	refreshToken             string
	accountID                string
	forcedChatGPTWorkspaceID string
	requestRefresh           RefreshRequester
}

// NewExternalStore creates an ExternalStore seeded with host-provided
// tokens. forcedWorkspaceID, if non-empty, is validated against every
// refreshed token's `https://api.openai.com/auth` chatgpt_workspace_id claim.
func NewExternalStore(accessToken, refreshToken, accountID, forcedWorkspaceID string, requestRefresh RefreshRequester) *ExternalStore {
	return &ExternalStore{
		accessToken:              accessToken,
		refreshToken:             refreshToken,
		accountID:                accountID,
		forcedChatGPTWorkspaceID: forcedWorkspaceID,
		requestRefresh:           requestRefresh,
	}
}

func (s *ExternalStore) AuthorizationToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessToken == "" {
		return "", ErrNoToken
	}
	return s.accessToken, nil
}

func (s *ExternalStore) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

func (s *ExternalStore) IsChatGPT() bool { return true }

func (s *ExternalStore) CanRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestRefresh != nil && s.refreshToken != ""
}

// Refresh asks the front end to refresh the token via a server-initiated
// JSON-RPC request, then validates the new access token's workspace
// claim before accepting it.
func (s *ExternalStore) Refresh(ctx context.Context, _ RefreshOptions) error {
	s.mu.Lock()
	requester := s.requestRefresh
	s.mu.Unlock()
	if requester == nil {
		return ErrRefreshUnavailable
	}

	accessToken, refreshToken, err := requester(ctx)
	if err != nil {
		return fmt.Errorf("auth: external refresh: %w", err)
	}
	if accessToken == "" {
		return errors.New("auth: external refresh returned empty access token")
	}

	s.mu.Lock()
	forced := s.forcedChatGPTWorkspaceID
	s.mu.Unlock()

	if forced != "" {
		workspaceID, err := workspaceIDFromJWT(accessToken)
		if err != nil {
			return fmt.Errorf("auth: validate refreshed token: %w", err)
		}
		if workspaceID != forced {
			return fmt.Errorf("%w: got %q, want %q", ErrWorkspaceMismatch, workspaceID, forced)
		}
	}

	s.mu.Lock()
	s.accessToken = accessToken
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
	s.mu.Unlock()
	return nil
}

// authClaims is the subset of the ChatGPT JWT's custom claim this
// server validates against a forced workspace requirement.
type authClaims struct {
	OpenAIAuth struct {
		ChatGPTAccountID string `json:"chatgpt_account_id"`
		OrganizationID   string `json:"organization_id"`
		WorkspaceID      string `json:"chatgpt_workspace_id"`
	} `json:"https://api.openai.com/auth"`
}

// workspaceIDFromJWT extracts the workspace claim from an unverified
// JWT payload. Signature verification is the identity provider's job;
// the server only needs the claim to enforce a local policy, not to
// authenticate the token.
func workspaceIDFromJWT(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed JWT: expected 3 segments, got %d", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode JWT payload: %w", err)
	}
	var claims authClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("parse JWT claims: %w", err)
	}
	return claims.OpenAIAuth.WorkspaceID, nil
}
