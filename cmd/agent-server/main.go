// Command agent-server runs the thread/turn JSON-RPC agent server: it
// wires the config/requirements loader, auth store, rollout store,
// sandboxed tool executors, approval broker, tool registry, and
// thread/turn engine behind pkg/rpc's method table, speaking that
// protocol over stdio or over a ws:// listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"codexserver/pkg/admin"
	"codexserver/pkg/agentjob"
	"codexserver/pkg/approval"
	backendAnth "codexserver/pkg/backend/anthropic"
	"codexserver/pkg/auth"
	"codexserver/pkg/domain"
	"codexserver/pkg/engine"
	"codexserver/pkg/harness"
	harnessClaudeP "codexserver/pkg/harness/claude"
	harnessCodexP "codexserver/pkg/harness/codex"
	"codexserver/pkg/metrics"
	"codexserver/pkg/obs"
	"codexserver/pkg/payments"
	"codexserver/pkg/proxy"
	"codexserver/pkg/reqconfig"
	"codexserver/pkg/rollout"
	"codexserver/pkg/router"
	"codexserver/pkg/rpc"
	"codexserver/pkg/sandbox"
	"codexserver/pkg/tools"
	"codexserver/pkg/transport/ws"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] == "serve" {
		args := os.Args[2:]
		if len(os.Args) < 2 {
			args = nil
		}
		if err := runServe(args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintln(os.Stderr, "usage: agent-server serve [flags]")
	os.Exit(2)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	transport := fs.String("transport", "stdio", "Transport to serve on: stdio or ws")
	listen := fs.String("listen", "127.0.0.1:8091", "Listen address (ws transport only)")
	wsPath := fs.String("ws-path", "/ws", "HTTP upgrade path (ws transport only)")
	configPath := fs.String("config", reqconfig.DefaultUserConfigPath(), "Config file path")
	authPath := fs.String("auth-path", "", "Auth file path (defaults to ~/.codex/auth.json)")
	dataDir := fs.String("data-dir", defaultDataDir(), "Root directory for rollouts and agent-job journals")
	adminSocket := fs.String("admin-socket", defaultAdminSocket(), "Admin unix socket path (empty disables)")
	logLevel := fs.String("log-level", "info", "Log level (debug|info|warn|error)")
	metricsPath := fs.String("metrics-path", "", "Request metrics JSONL path (empty disables)")
	billingEnabled := fs.Bool("billing-enabled", false, "Gate turns behind the token-meter billing gateway")
	tokenMeterURL := fs.String("token-meter-url", "", "Token-meter gateway base URL")
	anthropicCredsPath := fs.String("anthropic-creds-path", "", "Anthropic OAuth credentials path (enables the claude harness when present)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := proxy.NewLogger(proxy.ParseLogLevel(*logLevel))

	cfg, err := reqconfig.Load([]reqconfig.Layer{{Path: *configPath}}, nil)
	if err != nil {
		return fmt.Errorf("agent-server: load config: %w", err)
	}

	resolvedAuthPath := *authPath
	if resolvedAuthPath == "" {
		resolvedAuthPath, err = auth.DefaultPath()
		if err != nil {
			return fmt.Errorf("agent-server: resolve auth path: %w", err)
		}
	}
	authStore, err := auth.Load(resolvedAuthPath)
	if err != nil {
		return fmt.Errorf("agent-server: load auth: %w", err)
	}

	rolloutStore := rollout.NewStore(*dataDir)
	jobStore := agentjob.NewStore(*dataDir)

	harnessRouter := buildHarnessRouter(authStore, *anthropicCredsPath, logger)

	obsHooks, err := obs.New()
	if err != nil {
		return fmt.Errorf("agent-server: init observability: %w", err)
	}

	metricsCollector, err := metrics.NewCollector(metrics.Config{
		Enabled: *metricsPath != "",
		Path:    *metricsPath,
	})
	if err != nil {
		return fmt.Errorf("agent-server: init metrics: %w", err)
	}
	defer metricsCollector.Close()

	var billingGateway payments.Gateway
	if *billingEnabled {
		billingGateway = payments.NewTokenMeterGateway(payments.Config{
			Enabled:       true,
			TokenMeterURL: *tokenMeterURL,
		})
	}

	execGroup := sandbox.NewExecGroup(cfg.AgentJobMaxThreads)

	deps := &serverDeps{
		config:   &cfg,
		auth:     authStore,
		rollouts: rolloutStore,
		jobs:     jobStore,
		router:   harnessRouter,
		exec:     execGroup,
		metrics:  metricsCollector,
		billing:  billingGateway,
		obs:      obsHooks,
		logger:   logger,
	}

	eng, registry := deps.build()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trapSignals(cancel)

	if *adminSocket != "" {
		go func() {
			adminSrv := admin.New(*adminSocket)
			admin.RegisterOpsRoutes(adminSrv, opsAdapter{engine: eng, jobs: jobStore})
			if err := adminSrv.Start(ctx); err != nil {
				logger.Warn("agent-server: admin socket exited", "err", err.Error())
			}
		}()
	}

	switch *transport {
	case "stdio":
		conn := rpc.New(os.Stdin, os.Stdout, rpc.Options{
			OnParseError: func(line []byte, err error) {
				logger.Warn("agent-server: malformed stdio frame", "err", err.Error())
			},
		})
		deps.hub.set(conn)
		srv := &engine.Server{Engine: eng, Rollouts: rolloutStore, Config: &cfg, Auth: authStore, Router: harnessRouter, Tools: registry}
		srv.RegisterMethods(conn)
		conn.ReadLoop(ctx)
		return conn.Err()
	case "ws":
		handler := func(connCtx context.Context, conn *rpc.Conn) {
			deps.hub.set(conn)
			srv := &engine.Server{Engine: eng, Rollouts: rolloutStore, Config: &cfg, Auth: authStore, Router: harnessRouter, Tools: registry}
			srv.RegisterMethods(conn)
			conn.ReadLoop(connCtx)
		}
		listener := ws.NewListener(*listen, *wsPath, handler, logger)
		return listener.ListenAndServe(ctx)
	default:
		return fmt.Errorf("agent-server: unknown transport %q", *transport)
	}
}

// connHub holds the single active front-end connection. The agent
// server is a single-tenant process (one front end drives one signed-in
// account's threads, mirroring the Codex CLI it fronts); ws transport
// accepting more than one dial just rebinds notifications and approval
// asks to whichever connection attached most recently.
type connHub struct {
	mu   sync.RWMutex
	conn *rpc.Conn
}

func (h *connHub) set(c *rpc.Conn) {
	h.mu.Lock()
	h.conn = c
	h.mu.Unlock()
}

func (h *connHub) get() *rpc.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn
}

// Notify implements engine.Notifier by forwarding to the active
// connection's Notify, satisfying pkg/engine.New's promise of a
// real Notifier over rpc.Conn.Notify instead of the no-op the engine
// tests use.
func (h *connHub) Notify(method string, params any) error {
	c := h.get()
	if c == nil {
		return nil
	}
	return c.Notify(method, params)
}

// ask implements approval.Asker by sending a server-initiated approval
// request over the active connection and waiting for the reply.
func (h *connHub) ask(ctx context.Context, req approval.Request) (approval.Decision, error) {
	c := h.get()
	if c == nil {
		return approval.Denied, fmt.Errorf("agent-server: no front end connected to ask for approval")
	}
	method := rpc.MethodRequestCommandExecutionApproval
	if req.Kind == approval.KindFileChange {
		method = rpc.MethodRequestFileChangeApproval
	}
	var result struct {
		Decision string `json:"decision"`
	}
	if err := c.Call(ctx, method, map[string]any{
		"threadId": req.ThreadID,
		"key":      req.Key,
		"reason":   req.Reason,
	}, &result); err != nil {
		return approval.Denied, err
	}
	return parseApprovalDecision(result.Decision), nil
}

func parseApprovalDecision(s string) approval.Decision {
	switch s {
	case "approved-once":
		return approval.ApprovedOnce
	case "approved-for-session":
		return approval.ApprovedForSession
	case "aborted":
		return approval.Aborted
	default:
		return approval.Denied
	}
}

// serverDeps holds the collaborators shared by every connection this
// process serves. Only one Engine exists per process: connHub's single
// active connection assumption means a second Engine per connection
// would just duplicate in-memory thread state for no benefit.
type serverDeps struct {
	config   *reqconfig.Config
	auth     *auth.Store
	rollouts *rollout.Store
	jobs     *agentjob.Store
	router   *router.Router
	exec     *sandbox.ExecGroup
	metrics  *metrics.Collector
	billing  payments.Gateway
	obs      *obs.Hooks
	logger   *proxy.Logger

	hub connHub
}

func (d *serverDeps) build() (*engine.Engine, *tools.Registry) {
	broker := approval.NewBroker(d.hub.ask)
	harnesses := harnessesFromRouter(d.router)

	eng := engine.New(d.rollouts, broker, &d.hub, harnesses)
	eng.SetMetrics(d.metrics)
	eng.SetBilling(d.billing)
	eng.SetObserver(d.obs)

	registry := tools.NewRegistry()
	registry.Register("shell", tools.NewShellHandler(d.exec))
	registry.Register("apply_patch", tools.NewApplyPatchHandler())
	registry.Register("fuzzy_file_search", tools.NewFuzzyFileSearchHandler())
	registry.Register("update_plan", tools.NewUpdatePlanHandler(func(u tools.PlanUpdate) {
		_ = d.hub.Notify(rpc.NotifyTurnPlanUpdated, u)
	}))
	registry.Register("report_agent_job_result", tools.NewReportAgentJobResultHandler(d.jobs))

	coordinator := agentjob.NewCoordinator(d.jobs, eng)
	spawnNotify := agentjob.BackgroundNotifier(func(message string) {
		_ = d.hub.Notify(rpc.NotifyAgentJobProgress, map[string]any{"message": message})
	})
	registry.Register("spawn_agents_on_csv", tools.NewSpawnAgentsOnCsvHandler(
		d.jobs, coordinator, d.config.AgentJobMaxThreads, accountFromAuth(d.auth), registry, spawnNotify))

	return eng, registry
}

func accountFromAuth(store *auth.Store) domain.Account {
	if store == nil {
		return domain.Account{Mode: domain.AuthModeAPIKey}
	}
	if store.IsChatGPT() {
		return domain.Account{Mode: domain.AuthModeChatGPT, Email: store.AccountID()}
	}
	return domain.Account{Mode: domain.AuthModeAPIKey}
}

// buildHarnessRouter registers the codex harness (always, keyed to
// authStore the way the rest of this package is) and the claude
// harness when Anthropic credentials are present, mirroring
// cmd/godex's buildHarnessRouter but scoped to the two model backends
// this server ships credentials-discovery logic for; a custom
// OpenAI-compatible backend needs routing config this package's
// config layer (pkg/reqconfig) doesn't model yet.
func buildHarnessRouter(authStore *auth.Store, anthropicCredsPath string, logger *proxy.Logger) *router.Router {
	r := router.New(router.Config{})

	codexClient := harnessCodexP.NewClient(nil, authStore, harnessCodexP.ClientConfig{})
	r.Register("codex", harnessCodexP.New(harnessCodexP.Config{Client: codexClient}))

	path := anthropicCredsPath
	if path == "" {
		path = backendAnth.DefaultCredentialsPath
	}
	anthTokens := backendAnth.NewTokenStore(path)
	if err := anthTokens.Load(); err == nil {
		wrapper := harnessClaudeP.NewClientWrapper(anthTokens, harnessClaudeP.ClientConfig{})
		r.Register("anthropic", harnessClaudeP.New(harnessClaudeP.Config{Client: wrapper}))
	} else {
		logger.Info("agent-server: anthropic credentials not found, claude harness disabled", "path", path)
	}

	return r
}

func harnessesFromRouter(r *router.Router) map[string]harness.Harness {
	out := make(map[string]harness.Harness)
	for _, name := range r.List() {
		out[name] = r.Get(name)
	}
	return out
}

// opsAdapter satisfies pkg/admin.Operations over the shared Engine and
// job store.
type opsAdapter struct {
	engine *engine.Engine
	jobs   *agentjob.Store
}

func (a opsAdapter) LoadedThreadIDs() []string {
	ids := a.engine.LoadedThreadIDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func (a opsAdapter) ArchiveThread(id string) error {
	return a.engine.ArchiveThread(domain.ThreadID(id))
}

func (a opsAdapter) ListJobs() []admin.JobSummary {
	jobs := a.jobs.ListJobs()
	out := make([]admin.JobSummary, len(jobs))
	for i, j := range jobs {
		p := a.jobs.Progress(j.ID)
		out[i] = admin.JobSummary{
			ID:        j.ID,
			Status:    string(j.Status),
			Total:     p.TotalItems,
			Completed: p.CompletedItems,
			Failed:    p.FailedItems,
			Running:   p.RunningItems,
		}
	}
	return out
}

func defaultDataDir() string {
	if v := strings.TrimSpace(os.Getenv("CODEX_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codex"
	}
	return filepath.Join(home, ".codex")
}

func defaultAdminSocket() string {
	return filepath.Join(defaultDataDir(), "agent-server-admin.sock")
}

func trapSignals(cancel context.CancelFunc) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()
}
