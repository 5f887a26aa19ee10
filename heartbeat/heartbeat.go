// Package heartbeat drives the autonomous work loop: one ticker runs Builder,
// Synthesizer, and the Daily driver sequentially on every tick, never
// overlapping with the previous tick's run.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"awc/agents"
	"awc/awcerr"
	"awc/git"
	"awc/kanban"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// DefaultInterval is how often the heartbeat ticks absent config override.
const DefaultInterval = 60 * time.Second

// maxMergeAttempts bounds the Synthesizer's retry count before a card is
// escalated to blocked.
const maxMergeAttempts = 3

// staleWorktreeAge is how long a worktree pool entry with status "completed"
// sits before the Daily driver reclaims it.
const staleWorktreeAge = 24 * time.Hour

// MergeStore is the persistence surface the Synthesizer and Daily driver need
// beyond the board itself.
type MergeStore interface {
	GetPendingMerges() ([]kanban.MergeQueueEntry, error)
	UpdateMergeQueueEntry(e *kanban.MergeQueueEntry) error
	EnqueueMerge(e *kanban.MergeQueueEntry) error
	GetWorktreePoolEntries() ([]kanban.WorktreePoolEntry, error)
	DeleteWorktreePoolEntry(cardID string) error
	AddAuditEntry(entry *kanban.AuditEntry) error
	ListProjects() ([]kanban.Project, error)
	LatestCodebaseMetrics(projectID string) (*kanban.CodebaseMetrics, error)
	RecordCodebaseMetrics(projectID string, m *kanban.CodebaseMetrics, id string) error
}

// Worktrees is the subset of git.WorktreeManager the heartbeat needs.
type Worktrees interface {
	SquashMerge(ctx context.Context, branchName, commitMessage string) error
	RevertLastCommit(ctx context.Context) error
	PushMain(ctx context.Context) error
	CleanupOrphanedWorktrees(ctx context.Context) error
	RemoveWorktree(ctx context.Context, worktreePath string, removeBranch bool) error
	ListWorktrees(ctx context.Context) ([]git.WorktreeInfo, error)
}

// Gate2Runner re-verifies a merged checkout. It is a function, not an
// interface, so tests can substitute a stub without building a real gate
// pipeline invocation.
type Gate2Runner func(ctx context.Context, worktreePath string) (passed bool, output string, err error)

// AgentRunner hands a card's work off to an agent and reports the run's
// outcome, mirroring the Builder's "spawn and wait" dependency.
type AgentRunner func(ctx context.Context, card *kanban.KanbanCard, worktreePath string) (*agents.AgentResult, error)

// WorktreeProvisioner creates the isolated workspace a Builder-selected card
// runs in, returning its path and branch name.
type WorktreeProvisioner func(ctx context.Context, card *kanban.KanbanCard) (path, branch string, err error)

// Checklist is the subset of checklist toggles the heartbeat consults on
// every tick. Kept local to this package so heartbeat does not import config
// directly; the process wiring layer translates config.Checklist into this
// shape once per tick.
type Checklist struct {
	SkipInteractiveOnly bool
	BlockedRetryMinutes int
	AutoMerge           bool
	MaxConcurrentAgents int
}

// ChecklistSource is re-read at the start of every tick so a checklist file
// edit takes effect on the next cycle without a process restart.
type ChecklistSource func() Checklist

// Driver owns the single ticker and the sequential Builder->Synthesizer->Daily
// cycle.
type Driver struct {
	board       *kanban.Board
	store       MergeStore
	worktrees   Worktrees
	provision   WorktreeProvisioner
	runAgent    AgentRunner
	runGate2    Gate2Runner
	checklist   ChecklistSource
	logger      *slog.Logger
	interval    time.Duration

	mu      sync.Mutex
	running map[string]bool // cardID -> true while a Builder-spawned agent is in flight
}

// Deps bundles Driver's constructor dependencies.
type Deps struct {
	Board     *kanban.Board
	Store     MergeStore
	Worktrees Worktrees
	Provision WorktreeProvisioner
	RunAgent  AgentRunner
	RunGate2  Gate2Runner
	Checklist ChecklistSource
	Logger    *slog.Logger
	Interval  time.Duration // zero uses DefaultInterval
}

// NewDriver constructs a Driver from its dependencies.
func NewDriver(d Deps) *Driver {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		board: d.Board, store: d.Store, worktrees: d.Worktrees,
		provision: d.Provision, runAgent: d.RunAgent, runGate2: d.RunGate2,
		checklist: d.Checklist, logger: logger, interval: interval,
		running: make(map[string]bool),
	}
}

// Run blocks, ticking every interval until ctx is cancelled. Each tick runs
// Builder, Synthesizer, then Daily in sequence; tick N+1 never starts before
// tick N's sequence returns.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	checklist := d.checklist()

	if err := d.runBuilder(ctx, checklist); err != nil {
		d.logger.Error("builder cycle failed", "error", err)
	}
	if checklist.AutoMerge {
		if err := d.runSynthesizer(ctx); err != nil {
			d.logger.Error("synthesizer cycle failed", "error", err)
		}
	}
	if err := d.runDaily(ctx); err != nil {
		d.logger.Error("daily cycle failed", "error", err)
	}
}

// runBuilder selects the next eligible card per project and hands it to an
// agent. Cards already in flight (tracked in d.running) are left alone; a
// card whose agent already returned is picked up again on a later tick only
// once it is back in the backlog (Resume, or a move to backlog); a card that
// CompleteWork moved to done is not selected again.
func (d *Driver) runBuilder(ctx context.Context, checklist Checklist) error {
	projects, err := d.store.ListProjects()
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	toggles := kanban.SelectionToggles{
		SkipInteractiveOnly: checklist.SkipInteractiveOnly,
		BlockedRetryMinutes: checklist.BlockedRetryMinutes,
	}

	maxAgents := checklist.MaxConcurrentAgents
	if maxAgents <= 0 {
		maxAgents = 3
	}

	for _, project := range projects {
		if d.inFlightCount() >= maxAgents {
			return nil
		}

		card, found, err := d.board.GetNext(project.ID, toggles)
		if err != nil {
			d.logger.Error("get next card failed", "project", project.ID, "error", err)
			continue
		}
		if !found {
			continue
		}
		if d.isInFlight(card.ID) {
			continue
		}

		d.setInFlight(card.ID, true)
		go d.runCard(ctx, card)
	}
	return nil
}

func (d *Driver) runCard(ctx context.Context, card *kanban.KanbanCard) {
	defer d.setInFlight(card.ID, false)

	if card.AssignedAgent == "" {
		if err := d.board.AssignAgent(card.ID, variantForCard(card)); err != nil {
			d.logger.Error("assign agent failed", "card", card.ID, "error", err)
			return
		}
	}

	if err := d.board.StartWork(card.ID); err != nil {
		d.logger.Error("start work failed", "card", card.ID, "error", err)
		return
	}

	path, branch, err := d.provision(ctx, card)
	if err != nil {
		d.logger.Error("provision worktree failed", "card", card.ID, "error", err)
		_ = d.board.UpdateAgentStatus(card.ID, kanban.AgentBlocked, "worktree provisioning failed: "+err.Error())
		return
	}

	result, err := d.runAgent(ctx, card, path)
	if err != nil && result == nil {
		d.logger.Error("agent run failed", "card", card.ID, "error", err)
		_ = d.board.UpdateAgentStatus(card.ID, kanban.AgentBlocked, err.Error())
		return
	}

	if !result.Success || result.TimedOut {
		status := kanban.AgentBlocked
		reason := "agent run did not succeed"
		if result.TimedOut {
			reason = "agent run exceeded its deadline (timeout)"
		}
		_ = d.board.UpdateAgentStatus(card.ID, status, reason)
		if err := d.board.SetVerificationStatus(card.ID, kanban.VerificationBranchFailed); err != nil {
			d.logger.Error("record branch-failed verification failed", "card", card.ID, "error", err)
		}
		return
	}

	_ = d.board.UpdateAgentStatus(card.ID, kanban.AgentCompleted, "")
	if err := d.board.CompleteWork(card.ID, kanban.VerificationBranchOK); err != nil {
		d.logger.Error("complete work failed", "card", card.ID, "error", err)
		return
	}

	if err := d.store.EnqueueMerge(&kanban.MergeQueueEntry{
		CardID: card.ID, Branch: branch, Status: kanban.MergeQueuePending, QueuedAt: time.Now(),
	}); err != nil {
		d.logger.Error("enqueue merge failed", "card", card.ID, "error", err)
	}
}

// runSynthesizer processes the merge queue: squash-merge, push, re-verify
// with Gate 2, and either complete or retry-then-escalate on failure.
func (d *Driver) runSynthesizer(ctx context.Context) error {
	pending, err := d.store.GetPendingMerges()
	if err != nil {
		return fmt.Errorf("get pending merges: %w", err)
	}

	for i := range pending {
		merge := pending[i]
		merge.Status = kanban.MergeQueueMerging
		if err := d.store.UpdateMergeQueueEntry(&merge); err != nil {
			d.logger.Error("mark merge in progress failed", "card", merge.CardID, "error", err)
			continue
		}

		commitMsg := fmt.Sprintf("merge: %s\n\nCard: %s", merge.Branch, merge.CardID)
		if err := d.attemptMerge(ctx, &merge, commitMsg); err != nil {
			d.handleMergeFailure(&merge, err)
			continue
		}

		now := time.Now()
		merge.Status = kanban.MergeQueueMerged
		merge.ResolvedAt = &now
		_ = d.store.UpdateMergeQueueEntry(&merge)
		_ = d.board.CompleteWork(merge.CardID, kanban.VerificationMergeOK)
		_ = d.store.AddAuditEntry(&kanban.AuditEntry{
			ID: uuid.NewString(), EntityType: "card", EntityID: merge.CardID,
			Action: "merge.completed", Actor: "synthesizer", Timestamp: now,
		})
	}
	return nil
}

func (d *Driver) attemptMerge(ctx context.Context, merge *kanban.MergeQueueEntry, commitMsg string) error {
	if err := d.worktrees.SquashMerge(ctx, merge.Branch, commitMsg); err != nil {
		return fmt.Errorf("squash merge: %w", err)
	}
	if err := d.worktrees.PushMain(ctx); err != nil {
		return fmt.Errorf("push main: %w", err)
	}

	if d.runGate2 != nil {
		passed, output, err := d.runGate2(ctx, "")
		if err != nil {
			return fmt.Errorf("gate 2: %w", err)
		}
		if !passed {
			if revertErr := d.worktrees.RevertLastCommit(ctx); revertErr != nil {
				d.logger.Error("revert after gate 2 failure also failed", "card", merge.CardID, "error", revertErr)
			}
			return awcerr.NewExternal("gate 2 failed after merge", output, nil)
		}
	}
	return nil
}

func (d *Driver) handleMergeFailure(merge *kanban.MergeQueueEntry, mergeErr error) {
	merge.Attempts++
	merge.LastError = mergeErr.Error()

	if merge.Attempts >= maxMergeAttempts {
		merge.Status = kanban.MergeQueueFailed
		now := time.Now()
		merge.ResolvedAt = &now
		_ = d.store.UpdateMergeQueueEntry(merge)
		_ = d.board.UpdateAgentStatus(merge.CardID, kanban.AgentBlocked, "merge failed after "+fmt.Sprint(merge.Attempts)+" attempts: "+mergeErr.Error())
		_ = d.store.AddAuditEntry(&kanban.AuditEntry{
			ID: uuid.NewString(), EntityType: "card", EntityID: merge.CardID,
			Action: "merge.failed", Actor: "synthesizer", Details: mergeErr.Error(), Timestamp: now,
		})
		return
	}

	merge.Status = kanban.MergeQueuePending
	_ = d.store.UpdateMergeQueueEntry(merge)
	d.logger.Warn("merge attempt failed, will retry", "card", merge.CardID, "attempt", merge.Attempts, "error", mergeErr)
}

// runDaily reclaims stale worktrees and records a per-project metrics digest.
func (d *Driver) runDaily(ctx context.Context) error {
	entries, err := d.store.GetWorktreePoolEntries()
	if err != nil {
		return fmt.Errorf("get worktree pool entries: %w", err)
	}

	now := time.Now()
	for _, e := range entries {
		if e.Status != kanban.WorktreeCompleted {
			continue
		}
		if now.Sub(e.LastActivity) < staleWorktreeAge {
			continue
		}
		if err := d.worktrees.RemoveWorktree(ctx, e.Path, true); err != nil {
			d.logger.Warn("stale worktree cleanup failed", "card", e.CardID, "path", e.Path, "error", err)
			continue
		}
		if err := d.store.DeleteWorktreePoolEntry(e.CardID); err != nil {
			d.logger.Warn("delete worktree pool entry failed", "card", e.CardID, "error", err)
		}
	}
	if err := d.worktrees.CleanupOrphanedWorktrees(ctx); err != nil {
		d.logger.Warn("prune orphaned worktrees failed", "error", err)
	}

	projects, err := d.store.ListProjects()
	if err != nil {
		return fmt.Errorf("list projects for digest: %w", err)
	}
	for _, p := range projects {
		metrics, err := d.store.LatestCodebaseMetrics(p.ID)
		if err != nil || metrics == nil {
			continue
		}
		d.logger.Info("daily digest",
			"project", p.Name,
			"lintErrors", metrics.LintErrors,
			"lintWarnings", metrics.LintWarnings,
			"capturedAt", humanize.Time(metrics.CapturedAt))
	}
	return nil
}

func (d *Driver) isInFlight(cardID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[cardID]
}

func (d *Driver) setInFlight(cardID string, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v {
		d.running[cardID] = true
	} else {
		delete(d.running, cardID)
	}
}

func (d *Driver) inFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// variantForCard reads the "agent:<variant>" label a card was filed with,
// defaulting to "dev" when none is present.
func variantForCard(card *kanban.KanbanCard) string {
	const prefix = "agent:"
	for _, label := range card.Labels {
		if strings.HasPrefix(label, prefix) {
			return strings.TrimPrefix(label, prefix)
		}
	}
	return "dev"
}
