package rpc

// Client request methods. Legacy camelCase aliases some clients still
// send are accepted by the dispatcher registering both names against
// the same handler; see pkg/engine/server.go.
const (
	MethodThreadStart       = "thread/start"
	MethodThreadResume      = "thread/resume"
	MethodThreadFork        = "thread/fork"
	MethodThreadArchive     = "thread/archive"
	MethodThreadUnarchive   = "thread/unarchive"
	MethodThreadNameSet     = "thread/name/set"
	MethodThreadRollback    = "thread/rollback"
	MethodThreadList        = "thread/list"
	MethodThreadLoadedList  = "thread/loaded/list"
	MethodThreadRead        = "thread/read"
	MethodThreadCompactStart = "thread/compact/start"

	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodReviewStart   = "review/start"

	MethodModelList               = "model/list"
	MethodExperimentalFeatureList = "experimentalFeature/list"
	MethodCollaborationModeList   = "collaborationMode/list"
	MethodConfigRead              = "config/read"
	MethodConfigValueWrite        = "config/value/write"
	MethodConfigBatchWrite        = "config/batchWrite"
	MethodConfigRequirementsRead  = "configRequirements/read"

	MethodAccountLoginStart  = "account/login/start"
	MethodAccountLoginCancel = "account/login/cancel"
	MethodAccountLogout      = "account/logout"
	MethodAccountRead        = "account/read"
	MethodAccountRateLimitsRead = "account/rateLimits/read"

	MethodMCPServerOAuthLogin = "mcpServer/oauth/login"
	MethodConfigMCPServerReload = "config/mcpServer/reload"
	MethodMCPServerStatusList = "mcpServerStatus/list"

	MethodFeedbackUpload = "feedback/upload"
	MethodCommandExec    = "command/exec"
	MethodAppList        = "app/list"
)

// Server-initiated request methods.
const (
	MethodRequestCommandExecutionApproval = "item/commandExecution/requestApproval"
	MethodRequestFileChangeApproval       = "item/fileChange/requestApproval"
	MethodRequestToolUserInput            = "item/tool/requestUserInput"
	MethodToolCall                        = "item/tool/call"
	MethodChatgptAuthTokensRefresh        = "account/chatgptAuthTokens/refresh"
)

// Notification methods.
const (
	NotifyError                      = "error"
	NotifyThreadStarted              = "thread/started"
	NotifyThreadNameUpdated          = "thread/name/updated"
	NotifyThreadTokenUsageUpdated    = "thread/tokenUsage/updated"
	NotifyTurnStarted                = "turn/started"
	NotifyTurnCompleted              = "turn/completed"
	NotifyTurnDiffUpdated            = "turn/diff/updated"
	NotifyTurnPlanUpdated            = "turn/plan/updated"
	NotifyItemStarted                = "item/started"
	NotifyItemCompleted              = "item/completed"
	NotifyItemAgentMessageDelta      = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta  = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta     = "item/reasoning/textDelta"
	NotifyItemCommandOutputDelta     = "item/commandExecution/outputDelta"
	NotifyItemCommandTerminalInteraction = "item/commandExecution/terminalInteraction"
	NotifyItemFileChangeOutputDelta  = "item/fileChange/outputDelta"
	NotifyItemMCPToolCallProgress    = "item/mcpToolCall/progress"
	NotifyMCPServerOAuthLoginCompleted = "mcpServer/oauthLogin/completed"
	NotifyAccountUpdated             = "account/updated"
	NotifyAccountRateLimitsUpdated   = "account/rateLimits/updated"
	NotifyAccountLoginCompleted      = "account/login/completed"
	NotifyThreadCompacted            = "thread/compacted"
	NotifyDeprecationNotice          = "deprecationNotice"
	NotifyConfigWarning              = "configWarning"
	NotifyWindowsWorldWritableWarning = "windows/worldWritableWarning"
	NotifyAgentJobProgress           = "agent_job_progress"
)

// legacyAliases maps a v1 camelCase method name to its v2 slash-segmented
// name, kept for clients that haven't migrated yet.
var legacyAliases = map[string]string{
	"newConversation": MethodThreadStart,
}

// CanonicalMethod resolves a legacy alias to its current method name.
func CanonicalMethod(method string) string {
	if canon, ok := legacyAliases[method]; ok {
		return canon
	}
	return method
}
