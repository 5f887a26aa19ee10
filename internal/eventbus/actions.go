package eventbus

import (
	"encoding/json"
	"strings"
	"time"

	"awc/kanban"

	"github.com/google/uuid"
)

// Router performs the C1/C2 writes a workspace action block requests.
// Implemented by *kanban.Board plus the document/decision store methods;
// main.go supplies a concrete adapter.
type Router interface {
	CreateCard(c *kanban.KanbanCard) error
	MoveCard(cardID string, to kanban.Column) error
	UpsertDocument(doc *kanban.ProjectDocument) error
	CreateDecision(d *kanban.Decision) error
}

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

// parseActionBlocks extracts every ":::action\n{json}\n:::" block from text.
// Malformed or unparseable blocks are skipped rather than returned as errors.
func parseActionBlocks(text string) []workspaceAction {
	var out []workspaceAction
	lines := strings.Split(text, "\n")
	inBlock := false
	var buf strings.Builder

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case !inBlock && trimmed == ":::action":
			inBlock = true
			buf.Reset()
		case inBlock && trimmed == ":::":
			inBlock = false
			var act workspaceAction
			if err := json.Unmarshal([]byte(buf.String()), &act); err == nil {
				out = append(out, act)
			}
			buf.Reset()
		case inBlock:
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	return out
}

// routeActions applies every parsed action against router, skipping any
// action whose target dependency is unavailable or whose write fails.
func routeActions(router Router, defaultProjectID string, actions []workspaceAction) {
	if router == nil {
		return
	}
	now := time.Now()
	for _, act := range actions {
		projectID := act.ProjectID
		if projectID == "" {
			projectID = defaultProjectID
		}
		switch act.Action {
		case "create_card":
			if act.Title == "" {
				continue
			}
			_ = router.CreateCard(&kanban.KanbanCard{ProjectID: projectID, Title: act.Title, Column: kanban.ColumnBacklog})
		case "move_card":
			if act.CardID == "" || act.Column == "" {
				continue
			}
			_ = router.MoveCard(act.CardID, kanban.Column(act.Column))
		case "log_decision":
			if act.Title == "" {
				continue
			}
			_ = router.CreateDecision(&kanban.Decision{
				ID: uuid.NewString(), ProjectID: projectID, Title: act.Title,
				Description: act.Content, Reasoning: act.Reasoning, Tradeoffs: act.Tradeoffs, CreatedAt: now,
			})
		case "add_assumption":
			if act.Content == "" {
				continue
			}
			_ = router.UpsertDocument(&kanban.ProjectDocument{
				ID: uuid.NewString(), ProjectID: projectID, Type: kanban.DocAssumptions,
				Title: act.Title, Content: act.Content, CreatedAt: now, UpdatedAt: now,
			})
		case "update_state":
			if act.Content == "" {
				continue
			}
			_ = router.UpsertDocument(&kanban.ProjectDocument{
				ID: uuid.NewString(), ProjectID: projectID, Type: kanban.DocState,
				Title: act.Title, Content: act.Content, CreatedAt: now, UpdatedAt: now,
			})
		}
	}
}
