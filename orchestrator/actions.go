package orchestrator

import (
	"encoding/json"
	"strings"
	"time"

	"awc/kanban"

	"github.com/google/uuid"
)

// actionBlockStart/End delimit a workspace action block an agent can emit
// on its own stdout to make a structured write instead of only leaving
// files on disk — e.g. a PM-variant agent filing a follow-up card or a
// decision without the orchestrator having to scrape its diff.
const (
	actionBlockStart = ":::action"
	actionBlockEnd   = ":::"
)

// workspaceAction is the closed set of writes an agent may request this way.
// Anything else — or a malformed block — is silently skipped.
type workspaceAction struct {
	Action    string `json:"action"`
	CardID    string `json:"cardId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Title     string `json:"title,omitempty"`
	Column    string `json:"column,omitempty"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Tradeoffs string `json:"tradeoffs,omitempty"`
}

// Documents is the document/decision write surface the action router uses.
type Documents interface {
	UpsertDocument(doc *kanban.ProjectDocument) error
	CreateDecision(d *kanban.Decision) error
}

// actionScanner collects lines and extracts ":::action ... :::" blocks as
// they complete, handing each parsed action to apply.
type actionScanner struct {
	inBlock bool
	buf     strings.Builder
	apply   func(workspaceAction)
}

func (a *actionScanner) feed(line string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case !a.inBlock && trimmed == actionBlockStart:
		a.inBlock = true
		a.buf.Reset()
	case a.inBlock && trimmed == actionBlockEnd:
		a.inBlock = false
		var act workspaceAction
		if err := json.Unmarshal([]byte(a.buf.String()), &act); err == nil {
			a.apply(act)
		}
		a.buf.Reset()
	case a.inBlock:
		a.buf.WriteString(line)
		a.buf.WriteByte('\n')
	}
}

// routeAction performs the requested write against board/documents, for
// whichever action kinds the card context makes sense for. Errors are
// swallowed (and logged) since these are best-effort side channels — a
// malformed or failing action must never fail the agent's actual run.
func (o *Orchestrator) routeAction(card *kanban.KanbanCard, act workspaceAction) {
	projectID := act.ProjectID
	if projectID == "" {
		projectID = card.ProjectID
	}
	now := time.Now()

	switch act.Action {
	case "create_card":
		if act.Title == "" || o.board == nil {
			return
		}
		if err := o.board.CreateCard(&kanban.KanbanCard{
			ProjectID: projectID, Title: act.Title, Column: kanban.ColumnBacklog,
		}); err != nil {
			o.logger.Warn("workspace action create_card failed", "card", card.ID, "error", err)
		}

	case "move_card":
		if act.CardID == "" || act.Column == "" || o.board == nil {
			return
		}
		if err := o.board.MoveCard(act.CardID, kanban.Column(act.Column)); err != nil {
			o.logger.Warn("workspace action move_card failed", "card", card.ID, "error", err)
		}

	case "log_decision":
		if act.Title == "" || o.documents == nil {
			return
		}
		if err := o.documents.CreateDecision(&kanban.Decision{
			ID: uuid.NewString(), ProjectID: projectID, Title: act.Title,
			Description: act.Content, Reasoning: act.Reasoning, Tradeoffs: act.Tradeoffs,
			CreatedAt: now,
		}); err != nil {
			o.logger.Warn("workspace action log_decision failed", "card", card.ID, "error", err)
		}

	case "add_assumption":
		o.upsertSingletonDoc(projectID, kanban.DocAssumptions, act.Title, act.Content, now)

	case "update_state":
		o.upsertSingletonDoc(projectID, kanban.DocState, act.Title, act.Content, now)
	}
}

func (o *Orchestrator) upsertSingletonDoc(projectID string, docType kanban.DocumentType, title, content string, now time.Time) {
	if o.documents == nil || content == "" {
		return
	}
	if err := o.documents.UpsertDocument(&kanban.ProjectDocument{
		ID: uuid.NewString(), ProjectID: projectID, Type: docType,
		Title: title, Content: content, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		o.logger.Warn("workspace action doc upsert failed", "type", docType, "error", err)
	}
}
