package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/auth"
	"github.com/haasonsaas/nexus/internal/billing"
	"github.com/haasonsaas/nexus/internal/gateway"
	"github.com/haasonsaas/nexus/internal/tools/control"
	"github.com/haasonsaas/nexus/internal/tools/exec"
	"github.com/haasonsaas/nexus/internal/tools/files"
	"github.com/haasonsaas/nexus/internal/tools/websearch"
)

// buildServeCmd creates the "serve" command that starts the agent runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime's websocket server",
		Long: `Start the agent runtime server.

The server will:
1. Load configuration from the given file
2. Build the tool registry, template registry, and credit ledger
3. Start accepting client websocket connections
4. Run every prompt through the request gating chain before any agent step

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with a config file
  agentrtd serve --config agentrtd.yaml

  # Start with debug logging
  agentrtd serve --config agentrtd.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agentrtd.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := newLogger(cfg.Logging)

	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	registry := agent.NewToolRegistry()
	gateway.RegisterClientTools(registry)
	registerServerLocalTools(registry, cfg)

	executor := agent.NewStepExecutor(provider, registry, agent.RuntimeOptions{})
	loop := agent.NewAgentLoop(executor)
	cancel := agent.NewCancelRegistry()

	templates, err := agent.NewTemplateRegistry(cfg.Templates, cfg.CostModeRouting)
	if err != nil {
		return fmt.Errorf("build template registry: %w", err)
	}

	billingSvc := billing.NewService()
	seedBilling(billingSvc, cfg.Billing)

	var authSvc *auth.Service
	if cfg.Auth.JWTSecret != "" {
		expiry := 24 * time.Hour
		if cfg.Auth.TokenExpiry != "" {
			if d, err := time.ParseDuration(cfg.Auth.TokenExpiry); err == nil {
				expiry = d
			}
		}
		authSvc = auth.NewService(auth.Config{JWTSecret: cfg.Auth.JWTSecret, TokenExpiry: expiry})
	}

	gate := &gateway.Gate{Billing: billingSvc, RepoParser: billingSvc}
	if authSvc != nil {
		gate.Auth = authSvc
	}

	server := gateway.NewServer(gate, templates, loop, cancel, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.HandleFunc("/sessions", server.ServeSessionsHTTP)

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("agentrtd listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

func newLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func buildProvider(cfg ProviderConfig) (agent.LLMProvider, error) {
	if cfg.Anthropic == nil || cfg.Anthropic.APIKey == "" {
		return nil, fmt.Errorf("no LLM provider configured (provider.anthropic.api_key is required)")
	}
	return providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       cfg.Anthropic.APIKey,
		BaseURL:      cfg.Anthropic.BaseURL,
		DefaultModel: cfg.Anthropic.DefaultModel,
	})
}

// registerServerLocalTools wires the tools this process executes directly,
// as opposed to the client-delegated set RegisterClientTools already
// registered. Every one of these needs nothing beyond the workspace root
// and optional search backend credentials, so all are always available.
func registerServerLocalTools(registry *agent.ToolRegistry, cfg *Config) {
	filesCfg := files.Config{Workspace: cfg.Workspace, MaxReadBytes: 1 << 20}
	registry.Register(files.NewReadTool(filesCfg))
	registry.Register(files.NewWriteTool(filesCfg))
	registry.Register(files.NewEditTool(filesCfg))
	registry.Register(files.NewApplyPatchTool(filesCfg))

	manager := exec.NewManager(cfg.Workspace)
	registry.Register(exec.NewExecTool("run_command", manager))
	registry.Register(exec.NewProcessTool(manager))

	registry.Register(control.NewEndTurnTool())
	registry.Register(control.NewSetOutputTool())

	registry.Register(websearch.NewWebFetchTool(nil))
	registry.Register(websearch.NewWebSearchTool(&websearch.Config{
		SearXNGURL:  cfg.WebSearch.SearXNGURL,
		BraveAPIKey: cfg.WebSearch.BraveAPIKey,
	}))
}

func seedBilling(svc *billing.Service, cfg BillingConfig) {
	for userID, grant := range cfg.UserGrants {
		svc.GrantUser(userID, billing.Account{Name: userID, MonthlyGrant: grant, CreditsGranted: grant})
	}
	for orgID, grant := range cfg.OrgGrants {
		svc.GrantOrg(orgID, billing.Account{Name: orgID, MonthlyGrant: grant, CreditsGranted: grant})
	}
}
