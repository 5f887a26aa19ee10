// Package kanban provides the card/board data model and work-queue operations
// for the autonomous work core.
package kanban

import (
	"time"
)

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
	ProjectPaused   ProjectStatus = "paused"
)

// Project is the scope for cards, documents, decisions, messages, and campaigns.
type Project struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Description         string        `json:"description"`
	Status              ProjectStatus `json:"status"`
	Color               string        `json:"color,omitempty"`
	AgentTimeoutMinutes int           `json:"agentTimeoutMinutes,omitempty"`
	MaxConcurrentAgents int           `json:"maxConcurrentAgents,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// DocumentType enumerates the kinds of project documents.
type DocumentType string

const (
	DocBrief        DocumentType = "brief"
	DocInstructions DocumentType = "instructions"
	DocReference    DocumentType = "reference"
	DocDecisions    DocumentType = "decisions"
	DocAssumptions  DocumentType = "assumptions"
	DocState        DocumentType = "state"
)

// systemManagedDocTypes is the set of document types for which at most one
// instance may exist per project (enforced by internal/db, not here).
var systemManagedDocTypes = map[DocumentType]bool{
	DocAssumptions: true,
	DocState:       true,
}

// IsSystemManaged reports whether t is a singleton-per-project document type.
func IsSystemManaged(t DocumentType) bool {
	return systemManagedDocTypes[t]
}

// ProjectDocument is a piece of free-form or system-managed project content.
type ProjectDocument struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"projectId"`
	Type      DocumentType `json:"type"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Column is the top-level state of a KanbanCard.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnInProgress Column = "in_progress"
	ColumnDone       Column = "done"
)

// AgentStatus is the sub-state of a card while it is in_progress.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentRunning   AgentStatus = "running"
	AgentBlocked   AgentStatus = "blocked"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// VerificationStatus tracks how far a card's branch has been verified.
type VerificationStatus string

const (
	VerificationUnverified    VerificationStatus = "unverified"
	VerificationBranchOK      VerificationStatus = "branch_verified"
	VerificationBranchFailed  VerificationStatus = "branch_failed"
	VerificationMergeOK       VerificationStatus = "merge_verified"
	VerificationMergeFailed   VerificationStatus = "merge_failed"
)

// KanbanCard is the central unit of work.
//
// Invariants (enforced by the kanban package, not by the database):
//   - Column == ColumnDone implies CompletedAt is non-nil.
//   - AgentStatus == AgentRunning implies StartedAt non-nil and AssignedAgent non-empty.
//   - Within a (ProjectID, Column), Position values are unique; ties broken by CreatedAt.
//   - Higher Priority is selected sooner.
type KanbanCard struct {
	ID                 string              `json:"id"`
	ProjectID          string              `json:"projectId"`
	Title              string              `json:"title"`
	Description        string              `json:"description"`
	Column             Column              `json:"column"`
	Labels             []string            `json:"labels,omitempty"`
	DueDate            *time.Time          `json:"dueDate,omitempty"`
	LinkedDecisionIDs  []string            `json:"linkedDecisionIds,omitempty"`
	LinkedMessageIDs   []string            `json:"linkedMessageIds,omitempty"`
	Position           int                 `json:"position"`
	Priority           int32               `json:"priority"`
	ContextSnapshot    string              `json:"contextSnapshot,omitempty"`
	LastSessionID      string              `json:"lastSessionId,omitempty"`
	AssignedAgent      string              `json:"assignedAgent,omitempty"`
	AgentStatus        AgentStatus         `json:"agentStatus,omitempty"`
	BlockedReason       string             `json:"blockedReason,omitempty"`
	StartedAt          *time.Time          `json:"startedAt,omitempty"`
	CompletedAt        *time.Time          `json:"completedAt,omitempty"`
	VerificationStatus VerificationStatus  `json:"verificationStatus,omitempty"`
	CampaignID         string              `json:"campaignId,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// HasLabel reports whether the card carries the given label.
func (c *KanbanCard) HasLabel(label string) bool {
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Decision is an append-mostly architectural decision record.
type Decision struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Alternatives []string   `json:"alternatives,omitempty"`
	Reasoning    string     `json:"reasoning"`
	Tradeoffs    string     `json:"tradeoffs"`
	CreatedAt    time.Time  `json:"createdAt"`
	RevisedAt    *time.Time `json:"revisedAt,omitempty"`
}

// SteeringDomain categorises a SteeringCorrection.
type SteeringDomain string

const (
	SteeringCodePattern   SteeringDomain = "code-pattern"
	SteeringCommunication SteeringDomain = "communication"
	SteeringArchitecture  SteeringDomain = "architecture"
	SteeringPreference    SteeringDomain = "preference"
	SteeringStyle         SteeringDomain = "style"
	SteeringProcess       SteeringDomain = "process"
)

// SteeringSource records where a SteeringCorrection originated.
type SteeringSource string

const (
	SteeringExplicit     SteeringSource = "explicit"
	SteeringPRRejection  SteeringSource = "pr-rejection"
	SteeringEditDelta    SteeringSource = "edit-delta"
	SteeringAgentFeedback SteeringSource = "agent-feedback"
)

// SteeringCorrection is a structured instruction the agent must honour.
// Global when ProjectID is empty; otherwise project-scoped.
type SteeringCorrection struct {
	ID        string         `json:"id"`
	Correction string        `json:"correction"`
	Domain    SteeringDomain `json:"domain"`
	Source    SteeringSource `json:"source"`
	Context   string         `json:"context,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"createdAt"`
}

// MessageRole identifies the speaker of a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Conversation groups a sequence of Messages under one session.
type Conversation struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId,omitempty"`
	SessionID    string    `json:"sessionId"`
	Status       string    `json:"status"`
	ContextUsage int       `json:"contextUsage"`
	Summary      string    `json:"summary,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is one turn in a Conversation.
type Message struct {
	ID             string                 `json:"id"`
	Role           MessageRole            `json:"role"`
	Content        string                 `json:"content"`
	ProjectID      string                 `json:"projectId,omitempty"`
	ConversationID string                 `json:"conversationId,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// CodebaseMetrics is a point-in-time snapshot of code-health signals.
type CodebaseMetrics struct {
	LintWarnings  int       `json:"lintWarnings"`
	LintErrors    int       `json:"lintErrors"`
	AnyEscapes    int       `json:"anyEscapes"`
	TestFiles     int       `json:"testFiles"`
	SourceFiles   int       `json:"sourceFiles"`
	CapturedAt    time.Time `json:"capturedAt"`
}

// Campaign names a themed batch of cards tracked against a metrics baseline.
type Campaign struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Name      string          `json:"name"`
	Baseline  CodebaseMetrics `json:"baseline"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CampaignReport computes the delta between a Campaign's baseline and the
// current CodebaseMetrics.
type CampaignReport struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaignId"`
	Current    CodebaseMetrics `json:"current"`
	Delta      CodebaseMetrics `json:"delta"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// GateName identifies which gate a VerificationResult belongs to.
type GateName string

const (
	GateBranch GateName = "branch"
	GateMerge  GateName = "merge"
)

// VerificationResult is transient: it is never stored as its own row, only
// reflected onto the card and recorded in the audit log.
type VerificationResult struct {
	CardID     string   `json:"cardId"`
	Gate       GateName `json:"gate"`
	Passed     bool     `json:"passed"`
	TscOutput  string   `json:"tscOutput"`
	LintOutput string   `json:"lintOutput"`
	TestOutput string   `json:"testOutput"`
	Timestamp  time.Time `json:"timestamp"`
	BranchName string   `json:"branchName"`
}

// AuditEntry is an append-only record of a semantically meaningful event.
type AuditEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AgentRun is the persisted record of one orchestrator-supervised agent
// invocation against a card. It backs the "exclusive advisory claim" implied
// by AgentStatus == AgentRunning.
type AgentRun struct {
	ID         string     `json:"id"`
	CardID     string     `json:"cardId"`
	Agent      string     `json:"agent"`
	WorktreeID string     `json:"worktreeId"`
	Branch     string     `json:"branch"`
	Status     string     `json:"status"` // running, completed, failed, timed_out
	ExitCode   int        `json:"exitCode"`
	Output     string     `json:"output,omitempty"`
	TimedOut   bool       `json:"timedOut"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// HistoryEntry records one state-machine transition for a card.
type HistoryEntry struct {
	ID        string    `json:"id"`
	CardID    string    `json:"cardId"`
	Column    Column    `json:"column"`
	Status    string    `json:"status"`
	By        string    `json:"by"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorktreePoolStatus is the lifecycle state of a pooled worktree.
type WorktreePoolStatus string

const (
	WorktreeActive    WorktreePoolStatus = "active"
	WorktreeMerging   WorktreePoolStatus = "merging"
	WorktreeCompleted WorktreePoolStatus = "completed"
)

// WorktreePoolEntry is the persisted record of one isolated agent workspace.
type WorktreePoolEntry struct {
	CardID       string             `json:"cardId"`
	Path         string             `json:"path"`
	Branch       string             `json:"branch"`
	Status       WorktreePoolStatus `json:"status"`
	CreatedAt    time.Time          `json:"createdAt"`
	LastActivity time.Time          `json:"lastActivity"`
}

// MergeQueueStatus is the lifecycle state of a merge-queue entry.
type MergeQueueStatus string

const (
	MergeQueuePending  MergeQueueStatus = "pending"
	MergeQueueMerging  MergeQueueStatus = "merging"
	MergeQueueMerged   MergeQueueStatus = "merged"
	MergeQueueFailed   MergeQueueStatus = "failed"
)

// MergeQueueEntry tracks the Synthesizer's attempt to merge one card's
// branch onto the integration branch.
type MergeQueueEntry struct {
	CardID      string           `json:"cardId"`
	Branch      string           `json:"branch"`
	Status      MergeQueueStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"lastError,omitempty"`
	QueuedAt    time.Time        `json:"queuedAt"`
	ResolvedAt  *time.Time       `json:"resolvedAt,omitempty"`
}

// TokenUsageEntry records one agent run's reported context/token cost
// against a card, used to roll up per-project spend. InputTokens/OutputTokens
// are whatever the agent CLI itself reports on stdout; a CLI that never
// reports usage simply yields a zero-value entry.
type TokenUsageEntry struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	CardID      string    `json:"cardId"`
	Agent       string    `json:"agent"`
	InputTokens int       `json:"inputTokens"`
	OutputTokens int      `json:"outputTokens"`
	CostUSD     float64   `json:"costUsd"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UsageSummary aggregates TokenUsageEntry rows for one project.
type UsageSummary struct {
	ProjectID    string  `json:"projectId"`
	Runs         int     `json:"runs"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}
