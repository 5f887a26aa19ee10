package agents

import (
	"context"
	"encoding/json"
	"time"

	"awc/kanban"

	"github.com/google/uuid"
)

// AgentSpawner is the interface AuditingSpawner decorates. Spawner satisfies
// it; tests substitute a fake.
type AgentSpawner interface {
	SpawnAgent(ctx context.Context, variant string, data PromptData, workDir string) (*AgentResult, error)
	ValidateAgentEnvironment() []string
}

// AuditStore is the persistence dependency AuditingSpawner needs: it only
// ever appends entries.
type AuditStore interface {
	AddAuditEntry(entry *kanban.AuditEntry) error
}

// AuditingSpawner wraps an AgentSpawner to record an agent.spawned entry
// before every run and an agent.completed, agent.failed or agent.error entry
// after it, independent of whether the run succeeds.
type AuditingSpawner struct {
	inner AgentSpawner
	store AuditStore
}

// NewAuditingSpawner builds an audit-logging decorator over inner.
func NewAuditingSpawner(inner AgentSpawner, store AuditStore) *AuditingSpawner {
	return &AuditingSpawner{inner: inner, store: store}
}

// SpawnAgent runs the inner spawner and records the interaction.
func (s *AuditingSpawner) SpawnAgent(ctx context.Context, variant string, data PromptData, workDir string) (*AgentResult, error) {
	cardID := ""
	if data.Card != nil {
		cardID = data.Card.ID
	}

	s.record(cardID, variant, "agent.spawned", formatPromptSummary(variant, data))

	result, err := s.inner.SpawnAgent(ctx, variant, data, workDir)

	if err != nil {
		s.record(cardID, variant, "agent.error", err.Error())
		return result, err
	}

	outcome := "agent.completed"
	details := result.Output
	if !result.Success {
		outcome = "agent.failed"
		if result.Error != "" {
			details = result.Error
		}
	}
	s.record(cardID, variant, outcome, truncateForSummary(details, 50000))

	return result, err
}

func (s *AuditingSpawner) record(cardID, variant, action, details string) {
	entry := &kanban.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: "card",
		EntityID:   cardID,
		Action:     action,
		Actor:      variant,
		Details:    details,
		Timestamp:  time.Now(),
	}
	_ = s.store.AddAuditEntry(entry)
}

// ValidateAgentEnvironment delegates to the inner spawner.
func (s *AuditingSpawner) ValidateAgentEnvironment() []string {
	return s.inner.ValidateAgentEnvironment()
}

func formatPromptSummary(variant string, data PromptData) string {
	summary := map[string]interface{}{
		"variant":       variant,
		"worktree_path": data.WorktreePath,
	}
	if data.Card != nil {
		summary["card_id"] = data.Card.ID
		summary["card_title"] = data.Card.Title
		summary["column"] = string(data.Card.Column)
	}
	if data.ExtraContext != "" {
		summary["extra_context"] = truncateForSummary(data.ExtraContext, 500)
	}

	jsonBytes, _ := json.MarshalIndent(summary, "", "  ")
	return string(jsonBytes)
}

func truncateForSummary(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n...[truncated]"
}
