package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/approval"
	"github.com/latticehq/lattice/internal/audit"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/gateway"
	"github.com/latticehq/lattice/internal/memory"
	"github.com/latticehq/lattice/internal/nodes"
	"github.com/latticehq/lattice/internal/providers"
	"github.com/latticehq/lattice/internal/reply"
	"github.com/latticehq/lattice/internal/safety"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/skills"
	"github.com/latticehq/lattice/internal/telemetry"
	"github.com/latticehq/lattice/internal/tools"
	"github.com/latticehq/lattice/internal/tools/files"
	"github.com/latticehq/lattice/internal/tools/gitops"
	"github.com/latticehq/lattice/internal/tools/memorytool"
	"github.com/latticehq/lattice/internal/tools/nodetool"
	"github.com/latticehq/lattice/internal/tools/notify"
	"github.com/latticehq/lattice/internal/tools/sessiontool"
	"github.com/latticehq/lattice/internal/tools/shell"
	"github.com/latticehq/lattice/internal/tools/skilltool"
	"github.com/latticehq/lattice/internal/tools/webfetch"
)

// errInterrupted signals a clean shutdown triggered by SIGINT/SIGTERM.
var errInterrupted = errors.New("interrupted")

func buildServeCmd(configPath *string) *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath, drain)
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "refuse new agent runs")
	return cmd
}

func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		if _, err := os.Stat("lattice.yaml"); err == nil {
			path = "lattice.yaml"
		} else {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return cfg, abs, nil
}

func runServe(ctx context.Context, configPath string, drain bool) error {
	cfg, absPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting lattice", "version", version, "config", absPath)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Insecure:    cfg.Telemetry.Insecure,
	}, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	auditLog, err := audit.NewLogger(audit.Config{
		Enabled: cfg.Audit.Enabled,
		Output:  cfg.Audit.Output,
		Buffer:  cfg.Audit.Buffer,
	})
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer auditLog.Close()

	approvals, err := approval.NewStore(cfg.Approvals.Path, logger, approval.WithShell(cfg.Approvals.Shell))
	if err != nil {
		return fmt.Errorf("approvals: %w", err)
	}
	if err := approvals.Watch(); err != nil {
		logger.Warn("approvals watch unavailable", "error", err)
	}
	defer approvals.Close()

	memStore, err := memory.Open(cfg.Memory.Path)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer memStore.Close()

	skillsProvider, err := loadSkills(cfg.Skills)
	if err != nil {
		return fmt.Errorf("skills: %w", err)
	}

	gate := safety.NewGate(safety.Config{
		Enabled:              cfg.Safety.Enabled,
		ConfirmationRequired: cfg.Safety.ConfirmationRequired,
	})
	nodeRegistry := nodes.NewRegistry(logger)
	sessionStore := sessions.NewStore()

	registry := tools.NewRegistry(gate, approvals, auditLog, logger)
	workspace := cfg.Workspace.Root
	shellMgr := shell.NewManager(workspace)
	registry.MustRegister(shell.NewExecTool(shellMgr))
	registry.MustRegister(shell.NewProcessTool(shellMgr))
	registry.MustRegister(files.NewReadTool(workspace))
	registry.MustRegister(files.NewWriteTool(workspace))
	registry.MustRegister(files.NewListTool(workspace))
	registry.MustRegister(files.NewDeleteTool(workspace))
	registry.MustRegister(gitops.NewReadTool(workspace))
	registry.MustRegister(gitops.NewWriteTool(workspace))
	registry.MustRegister(webfetch.New())
	registry.MustRegister(memorytool.NewStoreTool(memStore, "main"))
	registry.MustRegister(memorytool.NewSearchTool(memStore, "main"))
	registry.MustRegister(nodetool.NewListTool(nodeRegistry))
	registry.MustRegister(nodetool.NewInvokeTool(nodeRegistry))
	registry.MustRegister(sessiontool.New(sessionStore))
	registry.MustRegister(skilltool.New(skillsProvider))

	router, err := buildRouter(cfg.Providers)
	if err != nil {
		return err
	}

	engine := agent.NewEngine(registry, router.Select, agent.RoutingConfig{
		Reasoning:           tierFromConfig(cfg.Routing.Tier1Reasoning),
		Action:              tierFromConfig(cfg.Routing.Tier2Action),
		ClassifierEnabled:   cfg.Routing.Classifier.Enabled,
		ClassifierModel:     cfg.Routing.Classifier.Model,
		ComplexityThreshold: cfg.Routing.ComplexityThreshold,
		MaxIterations:       cfg.Routing.MaxIterations,
	}, logger)

	dispatcher := reply.New(sessionStore, engine, skillsProvider, cfg.Agent.BasePrompt, logger,
		reply.WithBootstrap(cfg.Agent.Bootstrap),
		reply.WithHistoryLimit(cfg.Agent.HistoryLimit),
	)

	stateDir, err := os.Getwd()
	if err != nil {
		stateDir = "."
	}
	server := gateway.NewServer(gateway.Config{
		Bind:              cfg.Gateway.Bind,
		Port:              cfg.Gateway.Port,
		AuthToken:         cfg.Gateway.Auth.Token,
		AuthMode:          cfg.Gateway.Auth.Mode,
		TickInterval:      cfg.Gateway.TickInterval(),
		Drain:             cfg.Gateway.Drain || drain,
		ServerName:        "lattice",
		ServerVersion:     version,
		ConfigPath:        absPath,
		StateDir:          stateDir,
		HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute,
	}, sessionStore, nodeRegistry, dispatcher, approvals, auditLog, logger)

	// The notify tool broadcasts through the gateway, so it registers after
	// the server exists.
	registry.MustRegister(notify.New(server))

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(runCtx); err != nil {
		return err
	}
	if runCtx.Err() != nil {
		logger.Info("shutdown complete")
		return errInterrupted
	}
	return nil
}

// loadSkills reads the skill prompt file once at startup. A missing config
// yields an empty snapshot, not an error.
func loadSkills(cfg config.SkillsConfig) (skills.Provider, error) {
	if cfg.PromptFile == "" {
		return skills.NewStaticProvider(skills.Snapshot{Version: cfg.Version}), nil
	}
	data, err := os.ReadFile(cfg.PromptFile)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	return skills.NewStaticProvider(skills.Snapshot{
		PromptText: strings.TrimSpace(string(data)),
		Version:    cfg.Version,
	}), nil
}

func tierFromConfig(tc config.TierConfig) agent.TierConfig {
	return agent.TierConfig{
		Model:       tc.Model,
		MaxTokens:   tc.MaxTokens,
		Temperature: tc.Temperature,
		Fallbacks:   tc.Fallback,
	}
}

// buildRouter wires model prefixes to provider clients. Anthropic serves
// claude models, the OpenAI-compatible client everything else.
func buildRouter(cfg config.ProvidersConfig) (*providers.Router, error) {
	router := providers.NewRouter()
	var anthropicClient, openaiClient agent.ModelClient

	if cfg.Anthropic.APIKey != "" {
		c, err := providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		anthropicClient = c
	}
	if cfg.OpenAI.APIKey != "" {
		c, err := providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		openaiClient = c
	}

	switch {
	case anthropicClient != nil && openaiClient != nil:
		router.Route("claude", anthropicClient)
		router.Fallback(openaiClient)
	case anthropicClient != nil:
		router.Fallback(anthropicClient)
	case openaiClient != nil:
		router.Fallback(openaiClient)
	default:
		return nil, errors.New("no model provider configured, set providers.anthropic.api_key or providers.openai.api_key")
	}
	return router, nil
}
