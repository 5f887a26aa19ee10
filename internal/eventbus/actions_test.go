package eventbus

import (
	"testing"

	"awc/kanban"
)

type fakeRouter struct {
	created []kanban.KanbanCard
	moved   map[string]kanban.Column
	docs    []kanban.ProjectDocument
	decisions []kanban.Decision
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{moved: make(map[string]kanban.Column)}
}

func (r *fakeRouter) CreateCard(c *kanban.KanbanCard) error {
	r.created = append(r.created, *c)
	return nil
}
func (r *fakeRouter) MoveCard(cardID string, to kanban.Column) error {
	r.moved[cardID] = to
	return nil
}
func (r *fakeRouter) UpsertDocument(doc *kanban.ProjectDocument) error {
	r.docs = append(r.docs, *doc)
	return nil
}
func (r *fakeRouter) CreateDecision(d *kanban.Decision) error {
	r.decisions = append(r.decisions, *d)
	return nil
}

func TestParseActionBlocksExtractsMultipleBlocks(t *testing.T) {
	text := "hello\n:::action\n{\"action\":\"move_card\",\"cardId\":\"c1\",\"column\":\"done\"}\n:::\nmore text\n:::action\n{\"action\":\"add_assumption\",\"content\":\"users are authenticated\"}\n:::\n"
	actions := parseActionBlocks(text)
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d: %+v", len(actions), actions)
	}
	if actions[0].Action != "move_card" || actions[0].CardID != "c1" {
		t.Fatalf("unexpected first action: %+v", actions[0])
	}
	if actions[1].Action != "add_assumption" {
		t.Fatalf("unexpected second action: %+v", actions[1])
	}
}

func TestParseActionBlocksSkipsUnterminatedBlock(t *testing.T) {
	text := ":::action\n{\"action\":\"create_card\",\"title\":\"x\"}\n"
	actions := parseActionBlocks(text)
	if len(actions) != 0 {
		t.Fatalf("expected unterminated block to yield nothing, got %+v", actions)
	}
}

func TestRouteActionsAppliesEachKind(t *testing.T) {
	router := newFakeRouter()
	actions := []workspaceAction{
		{Action: "create_card", Title: "follow up"},
		{Action: "move_card", CardID: "c1", Column: "done"},
		{Action: "log_decision", Title: "use postgres", Content: "because"},
		{Action: "add_assumption", Content: "network is reliable"},
		{Action: "update_state", Content: "phase 2"},
	}
	routeActions(router, "p1", actions)

	if len(router.created) != 1 || router.created[0].Title != "follow up" {
		t.Fatalf("create_card not applied: %+v", router.created)
	}
	if router.moved["c1"] != kanban.ColumnDone {
		t.Fatalf("move_card not applied: %+v", router.moved)
	}
	if len(router.decisions) != 1 {
		t.Fatalf("log_decision not applied: %+v", router.decisions)
	}
	if len(router.docs) != 2 {
		t.Fatalf("expected 2 document upserts (assumption + state), got %d", len(router.docs))
	}
}

func TestRouteActionsSkipsIncompleteActions(t *testing.T) {
	router := newFakeRouter()
	routeActions(router, "p1", []workspaceAction{
		{Action: "create_card"},            // no title
		{Action: "move_card", CardID: "c1"}, // no column
	})
	if len(router.created) != 0 || len(router.moved) != 0 {
		t.Fatalf("expected incomplete actions to be skipped, got created=%+v moved=%+v", router.created, router.moved)
	}
}

func TestRouteActionsNilRouterIsNoop(t *testing.T) {
	routeActions(nil, "p1", []workspaceAction{{Action: "create_card", Title: "x"}})
}
