package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"awc/awcerr"
	"awc/kanban"
)

// Store is the concrete kanban.CardStore plus every other persistence
// surface the core needs, all backed by one SQLite database.
type Store struct {
	db *DB
}

// NewStore wraps an open DB.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// --- Cards (kanban.CardStore) ---

func (s *Store) CreateCard(c *kanban.KanbanCard) error {
	labels, _ := json.Marshal(c.Labels)
	decisionIDs, _ := json.Marshal(c.LinkedDecisionIDs)
	messageIDs, _ := json.Marshal(c.LinkedMessageIDs)

	_, err := s.db.Exec(`
		INSERT INTO cards (
			id, project_id, title, description, column_name, labels, due_date,
			linked_decision_ids, linked_message_ids, position, priority,
			context_snapshot, last_session_id, assigned_agent, agent_status,
			blocked_reason, started_at, completed_at, campaign_id, verification_status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.ProjectID, c.Title, c.Description, string(c.Column), string(labels), c.DueDate,
		string(decisionIDs), string(messageIDs), c.Position, c.Priority,
		c.ContextSnapshot, c.LastSessionID, c.AssignedAgent, string(c.AgentStatus),
		c.BlockedReason, c.StartedAt, c.CompletedAt, c.CampaignID, string(c.VerificationStatus),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create card: %w", err)
	}
	return nil
}

func (s *Store) GetCard(id string) (*kanban.KanbanCard, bool, error) {
	row := s.db.QueryRow(cardSelectColumns+" FROM cards WHERE id = ?", id)
	c, err := scanCard(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *Store) GetCardsByProject(projectID string) ([]kanban.KanbanCard, error) {
	rows, err := s.db.Query(cardSelectColumns+" FROM cards WHERE project_id = ? ORDER BY column_name, position", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCards(rows)
}

func (s *Store) GetCardsByColumn(projectID string, column kanban.Column) ([]kanban.KanbanCard, error) {
	rows, err := s.db.Query(cardSelectColumns+" FROM cards WHERE project_id = ? AND column_name = ? ORDER BY position", projectID, string(column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCards(rows)
}

// UpdateCard persists c. When ifUpdatedAt is non-nil the write is conditioned
// on the stored updated_at matching it exactly; a mismatch returns a Conflict
// carrying the row's actual current updated_at.
func (s *Store) UpdateCard(c *kanban.KanbanCard, ifUpdatedAt *time.Time) error {
	if ifUpdatedAt != nil {
		var current time.Time
		err := s.db.QueryRow("SELECT updated_at FROM cards WHERE id = ?", c.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return awcerr.New(awcerr.NotFound, "card not found: "+c.ID)
		}
		if err != nil {
			return err
		}
		if !current.Equal(*ifUpdatedAt) {
			return awcerr.NewConflict("card was modified since read", current)
		}
	}

	labels, _ := json.Marshal(c.Labels)
	decisionIDs, _ := json.Marshal(c.LinkedDecisionIDs)
	messageIDs, _ := json.Marshal(c.LinkedMessageIDs)

	res, err := s.db.Exec(`
		UPDATE cards SET
			title = ?, description = ?, column_name = ?, labels = ?, due_date = ?,
			linked_decision_ids = ?, linked_message_ids = ?, position = ?, priority = ?,
			context_snapshot = ?, last_session_id = ?, assigned_agent = ?, agent_status = ?,
			blocked_reason = ?, started_at = ?, completed_at = ?, campaign_id = ?,
			verification_status = ?, updated_at = ?
		WHERE id = ?
	`,
		c.Title, c.Description, string(c.Column), string(labels), c.DueDate,
		string(decisionIDs), string(messageIDs), c.Position, c.Priority,
		c.ContextSnapshot, c.LastSessionID, c.AssignedAgent, string(c.AgentStatus),
		c.BlockedReason, c.StartedAt, c.CompletedAt, c.CampaignID,
		string(c.VerificationStatus), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return awcerr.New(awcerr.NotFound, "card not found: "+c.ID)
	}
	return nil
}

func (s *Store) DeleteCard(id string) error {
	_, err := s.db.Exec("DELETE FROM cards WHERE id = ?", id)
	return err
}

func (s *Store) MaxPosition(projectID string, column kanban.Column) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(position) FROM cards WHERE project_id = ? AND column_name = ?",
		projectID, string(column),
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

func (s *Store) AddHistoryEntry(entry *kanban.HistoryEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO card_history (id, card_id, column_name, status, by_actor, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.CardID, string(entry.Column), entry.Status, entry.By, entry.Note, entry.Timestamp)
	return err
}

func (s *Store) GetHistory(cardID string) ([]kanban.HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, card_id, column_name, status, by_actor, note, created_at
		FROM card_history WHERE card_id = ? ORDER BY created_at
	`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kanban.HistoryEntry
	for rows.Next() {
		var h kanban.HistoryEntry
		var column string
		var note sql.NullString
		if err := rows.Scan(&h.ID, &h.CardID, &column, &h.Status, &h.By, &note, &h.Timestamp); err != nil {
			return nil, err
		}
		h.Column = kanban.Column(column)
		h.Note = note.String
		out = append(out, h)
	}
	return out, rows.Err()
}

const cardSelectColumns = `
	SELECT id, project_id, title, description, column_name, labels, due_date,
		linked_decision_ids, linked_message_ids, position, priority,
		context_snapshot, last_session_id, assigned_agent, agent_status,
		blocked_reason, started_at, completed_at, campaign_id, verification_status,
		created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCard(row rowScanner) (*kanban.KanbanCard, error) {
	var c kanban.KanbanCard
	var column, agentStatus, verification string
	var labels, decisionIDs, messageIDs sql.NullString
	var description, contextSnapshot, lastSessionID, assignedAgent, blockedReason, campaignID sql.NullString
	var dueDate, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.ProjectID, &c.Title, &description, &column, &labels, &dueDate,
		&decisionIDs, &messageIDs, &c.Position, &c.Priority,
		&contextSnapshot, &lastSessionID, &assignedAgent, &agentStatus,
		&blockedReason, &startedAt, &completedAt, &campaignID, &verification,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Column = kanban.Column(column)
	c.AgentStatus = kanban.AgentStatus(agentStatus)
	c.VerificationStatus = kanban.VerificationStatus(verification)
	c.Description = description.String
	c.ContextSnapshot = contextSnapshot.String
	c.LastSessionID = lastSessionID.String
	c.AssignedAgent = assignedAgent.String
	c.BlockedReason = blockedReason.String
	c.CampaignID = campaignID.String

	if labels.Valid {
		_ = json.Unmarshal([]byte(labels.String), &c.Labels)
	}
	if decisionIDs.Valid {
		_ = json.Unmarshal([]byte(decisionIDs.String), &c.LinkedDecisionIDs)
	}
	if messageIDs.Valid {
		_ = json.Unmarshal([]byte(messageIDs.String), &c.LinkedMessageIDs)
	}
	if dueDate.Valid {
		c.DueDate = &dueDate.Time
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}

	return &c, nil
}

func scanCards(rows *sql.Rows) ([]kanban.KanbanCard, error) {
	var out []kanban.KanbanCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- Audit log ---

func (s *Store) AddAuditEntry(entry *kanban.AuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor, entry.Details, entry.Timestamp)
	return err
}

func (s *Store) GetRecentAuditEntries(limit int) ([]kanban.AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, entity_type, entity_id, action, actor, details, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kanban.AuditEntry
	for rows.Next() {
		var e kanban.AuditEntry
		var entityID, actor, details sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &entityID, &e.Action, &actor, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.EntityID, e.Actor, e.Details = entityID.String, actor.String, details.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Config ---

func (s *Store) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) SetConfigValue(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)", key, value)
	return err
}

// --- Projects ---

func (s *Store) CreateProject(p *kanban.Project) error {
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, description, status, color, agent_timeout_minutes, max_concurrent_agents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, string(p.Status), p.Color, p.AgentTimeoutMinutes, p.MaxConcurrentAgents, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *Store) GetProject(id string) (*kanban.Project, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, status, color, agent_timeout_minutes, max_concurrent_agents, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	var p kanban.Project
	var status string
	var description, color sql.NullString
	err := row.Scan(&p.ID, &p.Name, &description, &status, &color, &p.AgentTimeoutMinutes, &p.MaxConcurrentAgents, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p.Status = kanban.ProjectStatus(status)
	p.Description, p.Color = description.String, color.String
	return &p, true, nil
}

func (s *Store) ListProjects() ([]kanban.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, status, color, agent_timeout_minutes, max_concurrent_agents, created_at, updated_at
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kanban.Project
	for rows.Next() {
		var p kanban.Project
		var status string
		var description, color sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &description, &status, &color, &p.AgentTimeoutMinutes, &p.MaxConcurrentAgents, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = kanban.ProjectStatus(status)
		p.Description, p.Color = description.String, color.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Project documents ---

// UpsertDocument inserts a new document, or updates the existing one if typ
// is system-managed (at most one row per project/type pair).
func (s *Store) UpsertDocument(doc *kanban.ProjectDocument) error {
	if kanban.IsSystemManaged(doc.Type) {
		var existingID string
		err := s.db.QueryRow(
			"SELECT id FROM project_documents WHERE project_id = ? AND type = ?",
			doc.ProjectID, string(doc.Type),
		).Scan(&existingID)
		if err == nil {
			doc.ID = existingID
			_, err := s.db.Exec(
				"UPDATE project_documents SET title = ?, content = ?, updated_at = ? WHERE id = ?",
				doc.Title, doc.Content, doc.UpdatedAt, doc.ID,
			)
			return err
		}
		if err != sql.ErrNoRows {
			return err
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO project_documents (id, project_id, type, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.ProjectID, string(doc.Type), doc.Title, doc.Content, doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (s *Store) GetDocumentsByProject(projectID string) ([]kanban.ProjectDocument, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, type, title, content, created_at, updated_at
		FROM project_documents WHERE project_id = ? ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kanban.ProjectDocument
	for rows.Next() {
		var d kanban.ProjectDocument
		var docType string
		var title, content sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &docType, &title, &content, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Type = kanban.DocumentType(docType)
		d.Title, d.Content = title.String, content.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Decisions ---

func (s *Store) CreateDecision(d *kanban.Decision) error {
	alternatives, _ := json.Marshal(d.Alternatives)
	_, err := s.db.Exec(`
		INSERT INTO decisions (id, project_id, title, description, alternatives, reasoning, tradeoffs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.ProjectID, d.Title, d.Description, string(alternatives), d.Reasoning, d.Tradeoffs, d.CreatedAt)
	return err
}

func (s *Store) ReviseDecision(id, reasoning, tradeoffs string, revisedAt time.Time) error {
	_, err := s.db.Exec(
		"UPDATE decisions SET reasoning = ?, tradeoffs = ?, revised_at = ? WHERE id = ?",
		reasoning, tradeoffs, revisedAt, id,
	)
	return err
}

func (s *Store) GetDecisionsByProject(projectID string) ([]kanban.Decision, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, title, description, alternatives, reasoning, tradeoffs, created_at, revised_at
		FROM decisions WHERE project_id = ? ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kanban.Decision
	for rows.Next() {
		var d kanban.Decision
		var projID string
		var description, alternatives, reasoning, tradeoffs sql.NullString
		var revisedAt sql.NullTime
		if err := rows.Scan(&d.ID, &projID, &d.Title, &description, &alternatives, &reasoning, &tradeoffs, &d.CreatedAt, &revisedAt); err != nil {
			return nil, err
		}
		d.Description, d.Reasoning, d.Tradeoffs = description.String, reasoning.String, tradeoffs.String
		if alternatives.Valid {
			_ = json.Unmarshal([]byte(alternatives.String), &d.Alternatives)
		}
		if revisedAt.Valid {
			d.RevisedAt = &revisedAt.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Steering corrections ---

func (s *Store) AddSteeringCorrection(c *kanban.SteeringCorrection) error {
	_, err := s.db.Exec(`
		INSERT INTO steering_corrections (id, correction, domain, source, context, project_id, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Correction, string(c.Domain), string(c.Source), c.Context, c.ProjectID, c.Active, c.CreatedAt)
	return err
}

// ActiveSteeringCorrections returns active corrections applicable to
// projectID: global corrections (empty ProjectID) plus this project's own.
func (s *Store) ActiveSteeringCorrections(projectID string) ([]kanban.SteeringCorrection, error) {
	rows, err := s.db.Query(`
		SELECT id, correction, domain, source, context, project_id, active, created_at
		FROM steering_corrections
		WHERE active = 1 AND (project_id = ? OR project_id IS NULL OR project_id = '')
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kanban.SteeringCorrection
	for rows.Next() {
		var c kanban.SteeringCorrection
		var domain, source string
		var context, pid sql.NullString
		if err := rows.Scan(&c.ID, &c.Correction, &domain, &source, &context, &pid, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Domain, c.Source = kanban.SteeringDomain(domain), kanban.SteeringSource(source)
		c.Context, c.ProjectID = context.String, pid.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Conversations & messages ---

func (s *Store) CreateConversation(c *kanban.Conversation) error {
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, project_id, session_id, status, context_usage, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ProjectID, c.SessionID, c.Status, c.ContextUsage, c.Summary, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *Store) AddMessage(m *kanban.Message) error {
	metadata, _ := json.Marshal(m.Metadata)
	_, err := s.db.Exec(`
		INSERT INTO messages (id, role, content, project_id, conversation_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Role), m.Content, m.ProjectID, m.ConversationID, string(metadata), m.CreatedAt)
	return err
}

func (s *Store) GetMessagesByConversation(conversationID string) ([]kanban.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, project_id, conversation_id, metadata, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kanban.Message
	for rows.Next() {
		var m kanban.Message
		var role string
		var projectID, convID, metadata sql.NullString
		if err := rows.Scan(&m.ID, &role, &m.Content, &projectID, &convID, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = kanban.MessageRole(role)
		m.ProjectID, m.ConversationID = projectID.String, convID.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Campaigns & metrics ---

func (s *Store) CreateCampaign(c *kanban.Campaign) error {
	_, err := s.db.Exec(`
		INSERT INTO campaigns (
			id, project_id, name, baseline_lint_warnings, baseline_lint_errors,
			baseline_any_escapes, baseline_test_files, baseline_source_files, baseline_captured_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ProjectID, c.Name, c.Baseline.LintWarnings, c.Baseline.LintErrors,
		c.Baseline.AnyEscapes, c.Baseline.TestFiles, c.Baseline.SourceFiles, c.Baseline.CapturedAt, c.CreatedAt)
	return err
}

func (s *Store) GetCampaign(id string) (*kanban.Campaign, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, name, baseline_lint_warnings, baseline_lint_errors,
			baseline_any_escapes, baseline_test_files, baseline_source_files, baseline_captured_at, created_at
		FROM campaigns WHERE id = ?
	`, id)
	var c kanban.Campaign
	err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Baseline.LintWarnings, &c.Baseline.LintErrors,
		&c.Baseline.AnyEscapes, &c.Baseline.TestFiles, &c.Baseline.SourceFiles, &c.Baseline.CapturedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *Store) RecordCodebaseMetrics(projectID string, m *kanban.CodebaseMetrics, id string) error {
	_, err := s.db.Exec(`
		INSERT INTO codebase_metrics (id, project_id, lint_warnings, lint_errors, any_escapes, test_files, source_files, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, projectID, m.LintWarnings, m.LintErrors, m.AnyEscapes, m.TestFiles, m.SourceFiles, m.CapturedAt)
	return err
}

func (s *Store) LatestCodebaseMetrics(projectID string) (*kanban.CodebaseMetrics, error) {
	row := s.db.QueryRow(`
		SELECT lint_warnings, lint_errors, any_escapes, test_files, source_files, captured_at
		FROM codebase_metrics WHERE project_id = ? ORDER BY captured_at DESC LIMIT 1
	`, projectID)
	var m kanban.CodebaseMetrics
	err := row.Scan(&m.LintWarnings, &m.LintErrors, &m.AnyEscapes, &m.TestFiles, &m.SourceFiles, &m.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Agent runs ---

func (s *Store) AddAgentRun(r *kanban.AgentRun) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_runs (id, card_id, agent, worktree_id, branch, status, exit_code, output, timed_out, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.CardID, r.Agent, r.WorktreeID, r.Branch, r.Status, r.ExitCode, r.Output, r.TimedOut, r.StartedAt, r.EndedAt)
	return err
}

func (s *Store) CompleteAgentRun(id, status string, exitCode int, output string, timedOut bool) error {
	_, err := s.db.Exec(`
		UPDATE agent_runs SET status = ?, exit_code = ?, output = ?, timed_out = ?, ended_at = ? WHERE id = ?
	`, status, exitCode, output, timedOut, time.Now(), id)
	return err
}

func (s *Store) GetActiveAgentRuns() ([]kanban.AgentRun, error) {
	rows, err := s.db.Query(`
		SELECT id, card_id, agent, worktree_id, branch, status, exit_code, output, timed_out, started_at, ended_at
		FROM agent_runs WHERE status = 'running'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgentRuns(rows)
}

func scanAgentRuns(rows *sql.Rows) ([]kanban.AgentRun, error) {
	var out []kanban.AgentRun
	for rows.Next() {
		var r kanban.AgentRun
		var worktreeID, branch, output sql.NullString
		var exitCode sql.NullInt64
		var endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.CardID, &r.Agent, &worktreeID, &branch, &r.Status, &exitCode, &output, &r.TimedOut, &r.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		r.WorktreeID, r.Branch, r.Output = worktreeID.String, branch.String, output.String
		r.ExitCode = int(exitCode.Int64)
		if endedAt.Valid {
			r.EndedAt = &endedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Worktree pool ---

func (s *Store) UpsertWorktreePoolEntry(e *kanban.WorktreePoolEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO worktree_pool (card_id, path, branch, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET path = excluded.path, branch = excluded.branch,
			status = excluded.status, last_activity = excluded.last_activity
	`, e.CardID, e.Path, e.Branch, string(e.Status), e.CreatedAt, e.LastActivity)
	return err
}

func (s *Store) GetWorktreePoolEntries() ([]kanban.WorktreePoolEntry, error) {
	rows, err := s.db.Query(`SELECT card_id, path, branch, status, created_at, last_activity FROM worktree_pool`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kanban.WorktreePoolEntry
	for rows.Next() {
		var e kanban.WorktreePoolEntry
		var status string
		if err := rows.Scan(&e.CardID, &e.Path, &e.Branch, &status, &e.CreatedAt, &e.LastActivity); err != nil {
			return nil, err
		}
		e.Status = kanban.WorktreePoolStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorktreePoolEntry(cardID string) error {
	_, err := s.db.Exec("DELETE FROM worktree_pool WHERE card_id = ?", cardID)
	return err
}

// --- Merge queue ---

func (s *Store) EnqueueMerge(e *kanban.MergeQueueEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO merge_queue (card_id, branch, status, attempts, last_error, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET branch = excluded.branch, status = excluded.status
	`, e.CardID, e.Branch, string(e.Status), e.Attempts, e.LastError, e.QueuedAt)
	return err
}

func (s *Store) GetPendingMerges() ([]kanban.MergeQueueEntry, error) {
	rows, err := s.db.Query(`
		SELECT card_id, branch, status, attempts, last_error, queued_at, resolved_at
		FROM merge_queue WHERE status = 'pending' ORDER BY queued_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kanban.MergeQueueEntry
	for rows.Next() {
		var e kanban.MergeQueueEntry
		var status string
		var lastError sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&e.CardID, &e.Branch, &status, &e.Attempts, &lastError, &e.QueuedAt, &resolvedAt); err != nil {
			return nil, err
		}
		e.Status = kanban.MergeQueueStatus(status)
		e.LastError = lastError.String
		if resolvedAt.Valid {
			e.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMergeQueueEntry(e *kanban.MergeQueueEntry) error {
	_, err := s.db.Exec(`
		UPDATE merge_queue SET status = ?, attempts = ?, last_error = ?, resolved_at = ? WHERE card_id = ?
	`, string(e.Status), e.Attempts, e.LastError, e.ResolvedAt, e.CardID)
	return err
}

// --- Token usage ---

func (s *Store) AddTokenUsage(u *kanban.TokenUsageEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO token_usage (id, project_id, card_id, agent, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.ProjectID, u.CardID, u.Agent, u.InputTokens, u.OutputTokens, u.CostUSD, u.CreatedAt)
	return err
}

// UsageSummary aggregates every token_usage row for a project into one total.
func (s *Store) UsageSummary(projectID string) (*kanban.UsageSummary, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM token_usage WHERE project_id = ?
	`, projectID)
	summary := &kanban.UsageSummary{ProjectID: projectID}
	if err := row.Scan(&summary.Runs, &summary.InputTokens, &summary.OutputTokens, &summary.CostUSD); err != nil {
		return nil, err
	}
	return summary, nil
}

// --- Full-text search ---

// SearchResult is one hit from Search, ranked by FTS5's bm25 score.
type SearchResult struct {
	Kind  string  `json:"kind"` // card, document, decision
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Rank  float64 `json:"rank"`
}

// Search queries the cards/documents/decisions FTS5 shadow tables and merges
// the results by rank, matching the merged cross-entity search contract.
func (s *Store) Search(query string, limit int) ([]SearchResult, error) {
	escaped := escapeFTSQuery(query)
	var out []SearchResult

	cardRows, err := s.db.Query(`
		SELECT id, title, bm25(cards_fts) FROM cards_fts WHERE cards_fts MATCH ? ORDER BY bm25(cards_fts) LIMIT ?
	`, escaped, limit)
	if err != nil {
		return nil, fmt.Errorf("card search: %w", err)
	}
	for cardRows.Next() {
		var r SearchResult
		if err := cardRows.Scan(&r.ID, &r.Title, &r.Rank); err != nil {
			cardRows.Close()
			return nil, err
		}
		r.Kind = "card"
		out = append(out, r)
	}
	cardRows.Close()

	docRows, err := s.db.Query(`
		SELECT id, title, bm25(project_documents_fts) FROM project_documents_fts WHERE project_documents_fts MATCH ? ORDER BY bm25(project_documents_fts) LIMIT ?
	`, escaped, limit)
	if err != nil {
		return nil, fmt.Errorf("document search: %w", err)
	}
	for docRows.Next() {
		var r SearchResult
		if err := docRows.Scan(&r.ID, &r.Title, &r.Rank); err != nil {
			docRows.Close()
			return nil, err
		}
		r.Kind = "document"
		out = append(out, r)
	}
	docRows.Close()

	decRows, err := s.db.Query(`
		SELECT id, title, bm25(decisions_fts) FROM decisions_fts WHERE decisions_fts MATCH ? ORDER BY bm25(decisions_fts) LIMIT ?
	`, escaped, limit)
	if err != nil {
		return nil, fmt.Errorf("decision search: %w", err)
	}
	for decRows.Next() {
		var r SearchResult
		if err := decRows.Scan(&r.ID, &r.Title, &r.Rank); err != nil {
			decRows.Close()
			return nil, err
		}
		r.Kind = "decision"
		out = append(out, r)
	}
	decRows.Close()

	// bm25 scores are lower-is-better, so ascending order puts the best
	// match of any kind first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

var ftsUnsafeChars = regexp.MustCompile(`[^A-Za-z0-9\s]+`)

// escapeFTSQuery replaces every character other than ASCII letters, digits
// and whitespace with a space, then quotes each remaining term so nothing in
// user search text can be interpreted as FTS5 query syntax.
func escapeFTSQuery(q string) string {
	q = ftsUnsafeChars.ReplaceAllString(q, " ")
	fields := strings.Fields(q)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}
