// Package orchestrator composes the agent spawner, git worktree isolation,
// and the gate pipeline into the single per-card run the heartbeat's Builder
// hands off to: provision a workspace, spawn the assigned agent variant,
// stream its output live, enforce the wall-clock deadline, and decide
// success by running Gate 1 against whatever the agent left behind.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"awc/agents"
	"awc/awcerr"
	"awc/gate"
	"awc/git"
	"awc/kanban"

	"github.com/google/uuid"
)

// hardCeiling is the absolute maximum wall-clock deadline for one agent run,
// regardless of what a project's own AgentTimeoutMinutes asks for.
const hardCeiling = 30 * time.Minute

// defaultProjectCap is used when a project does not set MaxConcurrentAgents.
const defaultProjectCap = 3

// AgentSpawner is the subset of agents.Spawner (or its audit-logging
// decorator) the orchestrator depends on.
type AgentSpawner interface {
	SpawnAgentStreaming(ctx context.Context, variant string, data agents.PromptData, workDir string, sink io.Writer) (*agents.AgentResult, error)
}

// Worktrees is the subset of git.WorktreeManager the orchestrator needs to
// isolate and inspect one agent run's workspace.
type Worktrees interface {
	CreateWorktree(ctx context.Context, cardID, branchName string) (string, error)
	HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error)
	Commit(ctx context.Context, worktreePath, message string) error
}

// Store is the persistence surface the orchestrator writes run history,
// audit entries, usage, and workspace bookkeeping to.
type Store interface {
	AddAgentRun(r *kanban.AgentRun) error
	CompleteAgentRun(id, status string, exitCode int, output string, timedOut bool) error
	AddAuditEntry(entry *kanban.AuditEntry) error
	AddTokenUsage(u *kanban.TokenUsageEntry) error
	UpsertWorktreePoolEntry(e *kanban.WorktreePoolEntry) error
	GetProject(id string) (*kanban.Project, bool, error)
}

// EventSink publishes one lifecycle or log event for cardID. Implementations
// must not block the caller for long; the event bus's Hub satisfies this by
// fanning out over buffered per-client channels.
type EventSink func(eventType, cardID string, payload map[string]interface{})

// GateConfigFn builds the Gate 1/2 configuration (which commands to run) for
// a given worktree path. Supplied by the process wiring layer since the
// actual tsc/lint/test commands are specific to the managed workspace.
type GateConfigFn func(worktreePath string) gate.Config

// Orchestrator is the C3 Agent Orchestrator.
type Orchestrator struct {
	spawner      AgentSpawner
	worktrees    Worktrees
	store        Store
	board        *kanban.Board
	documents    Documents
	gateConfig   GateConfigFn
	events       EventSink
	skillMatcher func(*kanban.KanbanCard) int
	logger       *slog.Logger

	defaultAgentTimeout time.Duration
	maxConcurrentAgents int // process-wide cap; 0 means unlimited

	mu       sync.Mutex
	sem      int // process-wide slots currently in use
	projects map[string]int // projectID -> slots currently in use
	branches map[string]string // worktree path -> branch name, set by Provision
}

// Deps bundles Orchestrator's constructor dependencies.
type Deps struct {
	Spawner             AgentSpawner
	Worktrees           Worktrees
	Store               Store
	Board               *kanban.Board // optional: enables create_card/move_card workspace actions
	Documents           Documents     // optional: enables log_decision/add_assumption/update_state workspace actions
	GateConfig          GateConfigFn
	Events              EventSink // nil is valid: events are simply dropped
	SkillMatcher        func(*kanban.KanbanCard) int
	DefaultAgentTimeout time.Duration // used when a project sets no AgentTimeoutMinutes
	MaxConcurrentAgents int           // process-wide cap; 0 means unlimited
	Logger              *slog.Logger
}

// New constructs an Orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	matcher := d.SkillMatcher
	if matcher == nil {
		// Skill matching is deliberately external (spec.md §9): the agent
		// receives human-authored skill documents this core never models.
		// Absent a real matcher, every card is treated as having matched one.
		matcher = func(*kanban.KanbanCard) int { return 1 }
	}
	defaultTimeout := d.DefaultAgentTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = hardCeiling
	}
	events := d.Events
	if events == nil {
		events = func(string, string, map[string]interface{}) {}
	}
	return &Orchestrator{
		spawner: d.Spawner, worktrees: d.Worktrees, store: d.Store,
		board: d.Board, documents: d.Documents,
		gateConfig: d.GateConfig, events: events, skillMatcher: matcher,
		logger: logger, defaultAgentTimeout: defaultTimeout,
		maxConcurrentAgents: d.MaxConcurrentAgents,
		projects:            make(map[string]int),
		branches:            make(map[string]string),
	}
}

// Provision creates the card's isolated workspace and records it in the
// worktree pool, returning the workspace path and its branch name.
func (o *Orchestrator) Provision(ctx context.Context, card *kanban.KanbanCard) (string, string, error) {
	branch := git.GenerateBranchName("feat/", card.ID, card.Title)
	path, err := o.worktrees.CreateWorktree(ctx, card.ID, branch)
	if err != nil {
		return "", "", err
	}
	now := time.Now()
	if err := o.store.UpsertWorktreePoolEntry(&kanban.WorktreePoolEntry{
		CardID: card.ID, Path: path, Branch: branch,
		Status: kanban.WorktreeActive, CreatedAt: now, LastActivity: now,
	}); err != nil {
		o.logger.Warn("record worktree pool entry failed", "card", card.ID, "error", err)
	}

	o.mu.Lock()
	o.branches[path] = branch
	o.mu.Unlock()

	return path, branch, nil
}

func (o *Orchestrator) branchFor(workDir string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.branches[workDir]
}

// acquire claims one process-wide and one per-project concurrency slot,
// returning a release function. It fails with Busy if either cap is hit.
func (o *Orchestrator) acquire(projectID string, projectCap int) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.maxConcurrentAgents > 0 && o.sem >= o.maxConcurrentAgents {
		return nil, awcerr.New(awcerr.Busy, "process-wide concurrent-agent cap reached")
	}
	if projectCap <= 0 {
		projectCap = defaultProjectCap
	}
	if o.projects[projectID] >= projectCap {
		return nil, awcerr.New(awcerr.Busy, "project concurrent-agent cap reached: "+projectID)
	}

	o.sem++
	o.projects[projectID]++
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.sem--
		o.projects[projectID]--
	}, nil
}

// Run satisfies heartbeat.AgentRunner. Provision must have already been
// called for workDir so the branch it recorded can be looked up. It spawns
// the card's assigned agent against workDir, streams its output, and — on a
// successful, change-producing run — gates the result with Gate 1 before
// returning. The returned *agents.AgentResult.Success reflects the combined
// agent-exit-and-gate-1 verdict the heartbeat's Builder needs.
func (o *Orchestrator) Run(ctx context.Context, card *kanban.KanbanCard, workDir string) (*agents.AgentResult, error) {
	branch := o.branchFor(workDir)
	gate0 := gate.RunGate0(gate.PreflightInput{
		Card: card, WorktreePath: workDir, MatchedSkills: o.skillMatcher(card),
	})
	if !gate0.Passed {
		return &agents.AgentResult{
			Success: false, CardID: card.ID, Variant: card.AssignedAgent,
			Error: "gate 0 preflight failed: " + strings.Join(gate0.Preflight, "; "),
		}, nil
	}

	project, _, _ := o.store.GetProject(card.ProjectID)
	projectCap := 0
	timeout := o.defaultAgentTimeout
	if project != nil {
		projectCap = project.MaxConcurrentAgents
		if project.AgentTimeoutMinutes > 0 {
			timeout = time.Duration(project.AgentTimeoutMinutes) * time.Minute
		}
	}
	if timeout > hardCeiling {
		timeout = hardCeiling
	}

	release, err := o.acquire(card.ProjectID, projectCap)
	if err != nil {
		return nil, err
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runID := uuid.NewString()
	now := time.Now()
	if err := o.store.AddAgentRun(&kanban.AgentRun{
		ID: runID, CardID: card.ID, Agent: card.AssignedAgent,
		WorktreeID: card.ID, Branch: branch, Status: "running", StartedAt: now,
	}); err != nil {
		o.logger.Warn("record agent run start failed", "card", card.ID, "error", err)
	}

	o.events("agent.spawned", card.ID, map[string]interface{}{"agent": card.AssignedAgent, "branch": branch})

	scanner := &actionScanner{apply: func(act workspaceAction) { o.routeAction(card, act) }}
	sink := &lineSink{emit: func(line string) {
		o.events("agent.log", card.ID, map[string]interface{}{"line": line})
		scanner.feed(line)
	}}

	result, spawnErr := o.spawner.SpawnAgentStreaming(runCtx, card.AssignedAgent, agents.PromptData{
		Card: card, WorktreePath: workDir, ExtraContext: card.ContextSnapshot,
	}, workDir, sink)
	sink.Flush()

	if result == nil {
		if spawnErr != nil {
			_ = o.store.CompleteAgentRun(runID, "failed", -1, spawnErr.Error(), false)
			o.events("agent.failed", card.ID, map[string]interface{}{"error": spawnErr.Error()})
		}
		return nil, spawnErr
	}

	timedOut := result.TimedOut
	status := "completed"
	if timedOut {
		status = "timed_out"
	} else if !result.Success {
		status = "failed"
	}
	_ = o.store.CompleteAgentRun(runID, status, result.ExitCode, result.Output, timedOut)
	o.recordUsage(card, result)

	if timedOut {
		if !strings.Contains(strings.ToLower(result.Error), "timeout") {
			result.Error = strings.TrimSpace(result.Error + " (timeout)")
		}
		o.events("agent.failed", card.ID, map[string]interface{}{"timedOut": true})
		return result, nil
	}

	if !result.Success {
		o.events("agent.failed", card.ID, map[string]interface{}{"error": result.Error})
		return result, nil
	}

	o.events("agent.completed", card.ID, map[string]interface{}{"exitCode": result.ExitCode})

	changed, err := o.worktrees.HasUncommittedChanges(ctx, workDir)
	if err != nil {
		result.Success = false
		result.Error = "checking for changes: " + err.Error()
		return result, nil
	}
	if !changed {
		result.Success = false
		result.Error = "agent exited successfully but made no changes"
		return result, nil
	}
	if err := o.worktrees.Commit(ctx, workDir, "agent: "+card.Title); err != nil {
		result.Success = false
		result.Error = "committing agent changes: " + err.Error()
		return result, nil
	}

	o.events("verification.started", card.ID, map[string]interface{}{"gate": string(kanban.GateBranch)})

	gateResult, err := gate.RunGate1(ctx, o.gateConfig(workDir), kanban.GateBranch)
	if err != nil {
		result.Success = false
		result.Error = "gate 1: " + err.Error()
		return result, nil
	}

	vr := gateResult.ToVerification(card.ID, branch)
	if gateResult.Passed {
		result.Success = true
		o.events("verification.passed", card.ID, map[string]interface{}{
			"gate": string(kanban.GateBranch), "tsc": vr.TscOutput, "lint": vr.LintOutput, "test": vr.TestOutput,
		})
		o.audit(card.ID, "verify.branch.passed", summarizeGate(gateResult))
	} else {
		result.Success = false
		result.Error = summarizeGate(gateResult)
		o.events("verification.failed", card.ID, map[string]interface{}{
			"gate": string(kanban.GateBranch), "output": result.Error,
		})
		o.audit(card.ID, "verify.branch.failed", result.Error)
	}

	return result, nil
}

// Gate2 re-verifies a merged checkout with the same static checks as Gate 1,
// satisfying heartbeat.Gate2Runner.
func (o *Orchestrator) Gate2(ctx context.Context, worktreePath string) (bool, string, error) {
	result, err := gate.RunGate1(ctx, o.gateConfig(worktreePath), kanban.GateMerge)
	if err != nil {
		return false, "", err
	}
	return result.Passed, summarizeGate(result), nil
}

func (o *Orchestrator) audit(cardID, action, details string) {
	_ = o.store.AddAuditEntry(&kanban.AuditEntry{
		ID: uuid.NewString(), EntityType: "card", EntityID: cardID,
		Action: action, Actor: "orchestrator", Details: details, Timestamp: time.Now(),
	})
}

// usagePattern extracts a best-effort token count an agent CLI printed on
// its own stdout: "input_tokens": N / output-tokens=N style pairs, as in a
// trailing JSON summary; a bare "tokens: N" line does not match, and a CLI
// that never reports usage simply yields a zero-value entry.
var usagePattern = regexp.MustCompile(`(?i)"?(input|output)[_-]?tokens"?\s*[:=]\s*(\d+)`)

func (o *Orchestrator) recordUsage(card *kanban.KanbanCard, result *agents.AgentResult) {
	var in, out int
	for _, m := range usagePattern.FindAllStringSubmatch(result.Output, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if strings.EqualFold(m[1], "input") {
			in += n
		} else {
			out += n
		}
	}
	if err := o.store.AddTokenUsage(&kanban.TokenUsageEntry{
		ID: uuid.NewString(), ProjectID: card.ProjectID, CardID: card.ID,
		Agent: card.AssignedAgent, InputTokens: in, OutputTokens: out, CreatedAt: time.Now(),
	}); err != nil {
		o.logger.Warn("record token usage failed", "card", card.ID, "error", err)
	}
}

func summarizeGate(r gate.Result) string {
	var sb strings.Builder
	for _, c := range r.Commands {
		if c.Passed {
			continue
		}
		fmt.Fprintf(&sb, "[%s] exit=%d timedOut=%v\n%s\n", c.Name, c.ExitCode, c.TimedOut, c.Output)
	}
	if r.Smoke != nil && !r.Passed {
		for _, f := range r.Smoke.Failures {
			fmt.Fprintf(&sb, "[smoke] %s\n", f)
		}
	}
	if sb.Len() == 0 {
		return "gate failed"
	}
	return sb.String()
}

// lineSink is an io.Writer that buffers partial writes and invokes emit once
// per completed line, used to tee an agent's live output onto the event bus
// without the caller needing to know about the bus's wire format.
type lineSink struct {
	emit func(line string)
	buf  bytes.Buffer
}

func (s *lineSink) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		b := s.buf.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 {
			break
		}
		line := string(b[:idx])
		s.buf.Next(idx + 1)
		s.emit(line)
	}
	return len(p), nil
}

// Flush emits any trailing partial line once the agent process has exited.
func (s *lineSink) Flush() {
	if s.buf.Len() > 0 {
		s.emit(s.buf.String())
		s.buf.Reset()
	}
}
