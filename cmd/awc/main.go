// Command awc runs the Autonomous Work Core: a single long-lived process
// that serves the event bus API and drives the heartbeat loop against one
// git-backed workspace, no sub-commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"awc/agents"
	"awc/config"
	"awc/gate"
	"awc/git"
	"awc/heartbeat"
	"awc/internal/auditlog"
	"awc/internal/db"
	"awc/internal/eventbus"
	"awc/kanban"
	"awc/orchestrator"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("awc %s (commit: %s)\n", version, gitCommit)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	logger := newLogger(cfg.Verbose)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	if cfg.BearerToken == "" {
		logger.Warn("AWC_BEARER_TOKEN not set; event bus API is unauthenticated")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	database, err := db.Open(filepath.Join(cfg.DataDir, "app.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	store := db.NewStore(database)
	board := kanban.NewBoard(store)

	auditor, err := auditlog.New(filepath.Join(cfg.DataDir, "memory"))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	worktrees := git.NewWorktreeManager(cfg.WorkspaceRoot, filepath.Join(cfg.DataDir, ".worktrees"), "main")
	spawner := agents.NewSpawner(cfg.PromptsDir, loadVariants(cfg), cfg.Verbose)

	if problems := spawner.ValidateAgentEnvironment(); len(problems) > 0 {
		for _, p := range problems {
			logger.Warn("agent environment check", "problem", p)
		}
	}

	hub := eventbus.NewHub(logger, auditor.RecordEvent)

	gateConfig := func(worktreePath string) gate.Config {
		return defaultGateConfig(worktreePath)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Spawner:             spawner,
		Worktrees:           worktrees,
		Store:               store,
		Board:               board,
		Documents:           store,
		GateConfig:          gateConfig,
		Events:              hub.PublishCardEvent,
		DefaultAgentTimeout: cfg.AgentTimeout,
		Logger:              logger,
	})

	driver := heartbeat.NewDriver(heartbeat.Deps{
		Board:     board,
		Store:     store,
		Worktrees: worktrees,
		Provision: orch.Provision,
		RunAgent:  orch.Run,
		RunGate2:  orch.Gate2,
		Checklist: checklistSource(cfg.ChecklistPath),
		Logger:    logger,
		Interval:  cfg.HeartbeatPeriod,
	})

	server := eventbus.NewServer(eventbus.Deps{
		Store:  store,
		Board:  board,
		Hub:    hub,
		Router: boardDocumentRouter{board: board, documents: store},
		Token:  cfg.BearerToken,
		Logger: logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubDone := make(chan struct{})
	go hub.Run(hubDone)

	driverDone := make(chan struct{})
	go func() { driver.Run(ctx); close(driverDone) }()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(fmt.Sprintf(":%d", cfg.Port)) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("awc started", "port", cfg.Port, "workspace", cfg.WorkspaceRoot, "data_dir", cfg.DataDir)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("event bus server error", "error", err)
		}
	}

	cancel()
	close(hubDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("event bus shutdown error", "error", err)
	}

	<-driverDone
	return nil
}

// boardDocumentRouter adapts *kanban.Board (card writes) and *db.Store
// (document/decision writes) to eventbus.Router's single combined surface.
type boardDocumentRouter struct {
	board     *kanban.Board
	documents *db.Store
}

func (r boardDocumentRouter) CreateCard(c *kanban.KanbanCard) error { return r.board.CreateCard(c) }
func (r boardDocumentRouter) MoveCard(cardID string, to kanban.Column) error {
	return r.board.MoveCard(cardID, to)
}
func (r boardDocumentRouter) UpsertDocument(doc *kanban.ProjectDocument) error {
	return r.documents.UpsertDocument(doc)
}
func (r boardDocumentRouter) CreateDecision(d *kanban.Decision) error {
	return r.documents.CreateDecision(d)
}

// loadVariants builds the agent-variant table from AWC_AGENT_VARIANTS, a
// comma-separated "name=binary[:model]" list, defaulting to a single
// "default" variant pointed at AWC_AGENT_BINARY (or "claude").
func loadVariants(cfg config.Config) map[string]agents.Variant {
	raw := os.Getenv("AWC_AGENT_VARIANTS")
	if raw == "" {
		binary := os.Getenv("AWC_AGENT_BINARY")
		if binary == "" {
			binary = "claude"
		}
		return map[string]agents.Variant{
			"default": {Name: "default", BinaryPath: binary, Timeout: cfg.AgentTimeout},
		}
	}

	variants := make(map[string]agents.Variant)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, spec, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		binary, model, _ := strings.Cut(spec, ":")
		variants[name] = agents.Variant{Name: name, BinaryPath: binary, Model: model, Timeout: cfg.AgentTimeout}
	}
	if len(variants) == 0 {
		variants["default"] = agents.Variant{Name: "default", BinaryPath: "claude", Timeout: cfg.AgentTimeout}
	}
	return variants
}

// defaultGateConfig runs the three static checks a Node/TS workspace
// conventionally exposes via package.json scripts. The commands are fixed
// here; neither the checklist nor the environment changes them.
func defaultGateConfig(worktreePath string) gate.Config {
	return gate.Config{
		WorktreePath: worktreePath,
		Commands: []gate.Command{
			{Name: "tsc", Argv: []string{"npm", "run", "-s", "typecheck"}},
			{Name: "lint", Argv: []string{"npm", "run", "-s", "lint"}},
			{Name: "test", Argv: []string{"npm", "run", "-s", "test"}},
		},
	}
}

// checklistSource re-parses the checklist file on every call so an edit
// takes effect on the next heartbeat tick without a process restart.
func checklistSource(path string) heartbeat.ChecklistSource {
	return func() heartbeat.Checklist {
		c, err := config.ParseChecklist(path)
		if err != nil {
			return heartbeat.Checklist{}
		}
		return c.ToHeartbeat()
	}
}
