// Package domain holds the core entities the agent server operates on:
// threads, turns, items, and the policy types that gate tool execution.
// Types here are storage- and transport-agnostic; pkg/rollout persists
// them and pkg/rpc serializes them onto the wire.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ThreadID identifies a thread for its entire lifetime.
type ThreadID string

// NewThreadID mints a new random thread id.
func NewThreadID() ThreadID {
	return ThreadID(uuid.NewString())
}

// SandboxKind tags the variant of SandboxPolicy in effect.
type SandboxKind int

const (
	SandboxReadOnly SandboxKind = iota
	SandboxWorkspaceWrite
	SandboxDangerFullAccess
	SandboxExternal
)

func (k SandboxKind) String() string {
	switch k {
	case SandboxReadOnly:
		return "read-only"
	case SandboxWorkspaceWrite:
		return "workspace-write"
	case SandboxDangerFullAccess:
		return "danger-full-access"
	case SandboxExternal:
		return "external-sandbox"
	default:
		return "unknown"
	}
}

// SandboxPolicy is a tagged sum over the sandbox kinds. WritableRoots
// and NetworkAccess only apply to WorkspaceWrite; NetworkAccess alone
// applies to ExternalSandbox (advisory there, since isolation is
// already established by the host).
type SandboxPolicy struct {
	Kind              SandboxKind
	WritableRoots     []string
	NetworkAccess     bool
	ExcludeTmpdirEnv  bool
	ExcludeSlashTmp   bool
}

func ReadOnlyPolicy() SandboxPolicy { return SandboxPolicy{Kind: SandboxReadOnly} }

func WorkspaceWritePolicy(roots []string, network bool) SandboxPolicy {
	return SandboxPolicy{Kind: SandboxWorkspaceWrite, WritableRoots: roots, NetworkAccess: network}
}

func DangerFullAccessPolicy() SandboxPolicy { return SandboxPolicy{Kind: SandboxDangerFullAccess} }

func ExternalSandboxPolicy(network bool) SandboxPolicy {
	return SandboxPolicy{Kind: SandboxExternal, NetworkAccess: network}
}

// ApprovalPolicy is the four-variant "when to ask" discipline.
type ApprovalPolicy int

const (
	ApprovalUnlessTrusted ApprovalPolicy = iota
	ApprovalOnRequest
	ApprovalOnFailure
	ApprovalNever
)

func (p ApprovalPolicy) String() string {
	switch p {
	case ApprovalUnlessTrusted:
		return "unless-trusted"
	case ApprovalOnRequest:
		return "on-request"
	case ApprovalOnFailure:
		return "on-failure"
	case ApprovalNever:
		return "never"
	default:
		return "unknown"
	}
}

func ParseApprovalPolicy(s string) (ApprovalPolicy, error) {
	switch s {
	case "unless-trusted", "":
		return ApprovalUnlessTrusted, nil
	case "on-request":
		return ApprovalOnRequest, nil
	case "on-failure":
		return ApprovalOnFailure, nil
	case "never":
		return ApprovalNever, nil
	default:
		return 0, fmt.Errorf("unknown approval policy %q", s)
	}
}

// TurnContext is a snapshot of the parameters in effect for one turn.
// Appended to the thread's rollout on every turn so resume/scroll stays
// stable even if settings change mid-thread.
type TurnContext struct {
	Cwd                string         `json:"cwd"`
	ApprovalPolicy     ApprovalPolicy `json:"approval_policy"`
	SandboxPolicy      SandboxPolicy  `json:"sandbox_policy"`
	Model              string         `json:"model"`
	ReasoningEffort    string         `json:"reasoning_effort,omitempty"`
	ReasoningSummary   string         `json:"reasoning_summary,omitempty"`
	UserInstructions   string         `json:"user_instructions,omitempty"`
	DeveloperInstructions string      `json:"developer_instructions,omitempty"`
	TruncationPolicy   string         `json:"truncation_policy,omitempty"`
}

// ItemKind tags the variant of Item.
type ItemKind string

const (
	ItemUserMessage       ItemKind = "user_message"
	ItemAssistantMessage  ItemKind = "assistant_message"
	ItemToolCall          ItemKind = "tool_call"
	ItemToolOutput        ItemKind = "tool_output"
	ItemReasoning         ItemKind = "reasoning"
	ItemPlanUpdate        ItemKind = "plan_update"
	ItemContextCompaction ItemKind = "context_compaction"
)

// Item is a unit of content in a thread. Ids are stable once assigned;
// ToolOutput items always reference the CallID of an existing ToolCall
// item in the same thread.
type Item struct {
	ID        string         `json:"id"`
	Kind      ItemKind       `json:"kind"`
	CreatedAt time.Time      `json:"created_at"`

	Role         string `json:"role,omitempty"`
	Text         string `json:"text,omitempty"`
	ReasoningSummary string `json:"reasoning_summary,omitempty"`

	ToolName  string `json:"tool_name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	PlanTitle  string `json:"plan_title,omitempty"`
	PlanStatus string `json:"plan_status,omitempty"`

	CompactionSummary string `json:"compaction_summary,omitempty"`
}

// AuthMode is the tagged sum of ways an Account can be authenticated.
type AuthMode string

const (
	AuthModeAPIKey              AuthMode = "apiKey"
	AuthModeChatGPT             AuthMode = "chatgpt"
	AuthModeChatGPTAuthTokens   AuthMode = "chatgptAuthTokens"
)

type Account struct {
	Mode     AuthMode `json:"mode"`
	Email    string   `json:"email,omitempty"`
	PlanType string   `json:"plan_type,omitempty"`
}

// Thread is a conversation: an ordered sequence of TurnContexts and
// Items, owned exclusively by its own rollout file.
type Thread struct {
	ID        ThreadID      `json:"id"`
	Name      string        `json:"name,omitempty"`
	Account   Account       `json:"account"`
	Model     string        `json:"model"`
	Cwd       string        `json:"cwd"`
	Archived  bool          `json:"archived"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	Turns []TurnContext `json:"-"`
	Items []Item        `json:"-"`
}

// RequirementSource is the provenance of a constraint.
type RequirementSource int

const (
	SourceUnknown RequirementSource = iota
	SourceMDM
	SourceCloudRequirements
	SourceRequirementsTOML
	SourceLegacyManagedConfig
)

func (s RequirementSource) String() string {
	switch s {
	case SourceMDM:
		return "mdm"
	case SourceCloudRequirements:
		return "cloud-requirements"
	case SourceRequirementsTOML:
		return "requirements-toml"
	case SourceLegacyManagedConfig:
		return "legacy-managed-config"
	default:
		return "unknown"
	}
}

// ConstraintError is returned when a Constrained value rejects a
// candidate. It always carries a non-empty Source.
type ConstraintError struct {
	Field     string
	Candidate string
	Allowed   []string
	Source    RequirementSource
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("field %q rejected candidate %q (allowed: %v, source: %s)",
		e.Field, e.Candidate, e.Allowed, e.Source)
}
