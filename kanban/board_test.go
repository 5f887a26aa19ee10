package kanban

import (
	"sync"
	"testing"
	"time"

	"awc/awcerr"
)

// memStore is a minimal in-memory CardStore for testing Board's logic in
// isolation from internal/db.
type memStore struct {
	mu      sync.Mutex
	cards   map[string]*KanbanCard
	history []HistoryEntry
	audit   []AuditEntry
}

func newMemStore() *memStore {
	return &memStore{cards: make(map[string]*KanbanCard)}
}

func (s *memStore) CreateCard(c *KanbanCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.cards[c.ID] = &cp
	return nil
}

func (s *memStore) GetCard(id string) (*KanbanCard, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (s *memStore) GetCardsByProject(projectID string) ([]KanbanCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KanbanCard
	for _, c := range s.cards {
		if c.ProjectID == projectID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) GetCardsByColumn(projectID string, column Column) ([]KanbanCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KanbanCard
	for _, c := range s.cards {
		if c.ProjectID == projectID && c.Column == column {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) UpdateCard(c *KanbanCard, ifUpdatedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.cards[c.ID]
	if !ok {
		return awcerr.New(awcerr.NotFound, "no such card")
	}
	if ifUpdatedAt != nil && !existing.UpdatedAt.Equal(*ifUpdatedAt) {
		return awcerr.NewConflict("stale updatedAt", existing.UpdatedAt)
	}
	cp := *c
	s.cards[c.ID] = &cp
	return nil
}

func (s *memStore) DeleteCard(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cards, id)
	return nil
}

func (s *memStore) MaxPosition(projectID string, column Column) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, c := range s.cards {
		if c.ProjectID == projectID && c.Column == column && c.Position > max {
			max = c.Position
		}
	}
	return max, nil
}

func (s *memStore) AddHistoryEntry(entry *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *entry)
	return nil
}

func (s *memStore) GetHistory(cardID string) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryEntry
	for _, h := range s.history {
		if h.CardID == cardID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *memStore) AddAuditEntry(entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

func TestGetNextOrdersByPriorityThenPositionThenCreatedAt(t *testing.T) {
	store := newMemStore()
	board := NewBoard(store)

	base := time.Now().Add(-time.Hour)
	low := KanbanCard{ID: "low", ProjectID: "p1", Title: "low", Column: ColumnBacklog, Priority: 1, Position: 1, CreatedAt: base}
	high := KanbanCard{ID: "high", ProjectID: "p1", Title: "high", Column: ColumnBacklog, Priority: 5, Position: 2, CreatedAt: base.Add(time.Minute)}
	tie1 := KanbanCard{ID: "tie1", ProjectID: "p1", Title: "tie1", Column: ColumnBacklog, Priority: 5, Position: 0, CreatedAt: base.Add(2 * time.Minute)}

	for _, c := range []KanbanCard{low, high, tie1} {
		cp := c
		if err := store.CreateCard(&cp); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	next, ok, err := board.GetNext("p1", SelectionToggles{})
	if err != nil || !ok {
		t.Fatalf("GetNext() = %v, %v, %v", next, ok, err)
	}
	if next.ID != "tie1" {
		t.Fatalf("expected tie1 (priority 5, lower position) first, got %s", next.ID)
	}
}

func TestGetNextExcludesRunningAndUnelapsedBlocked(t *testing.T) {
	store := newMemStore()
	board := NewBoard(store)

	running := KanbanCard{ID: "r", ProjectID: "p1", Title: "r", Column: ColumnBacklog, AgentStatus: AgentRunning, Priority: 9, CreatedAt: time.Now()}
	blocked := KanbanCard{ID: "b", ProjectID: "p1", Title: "b", Column: ColumnBacklog, AgentStatus: AgentBlocked, Priority: 9, UpdatedAt: time.Now(), CreatedAt: time.Now()}
	idle := KanbanCard{ID: "i", ProjectID: "p1", Title: "i", Column: ColumnBacklog, Priority: 1, CreatedAt: time.Now()}

	for _, c := range []KanbanCard{running, blocked, idle} {
		cp := c
		if err := store.CreateCard(&cp); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	next, ok, err := board.GetNext("p1", SelectionToggles{BlockedRetryMinutes: 10})
	if err != nil || !ok {
		t.Fatalf("GetNext() = %v, %v, %v", next, ok, err)
	}
	if next.ID != "i" {
		t.Fatalf("expected idle card, got %s", next.ID)
	}
}

func TestGetNextSkipsInteractiveWhenToggled(t *testing.T) {
	store := newMemStore()
	board := NewBoard(store)

	interactive := KanbanCard{ID: "int", ProjectID: "p1", Title: "int", Column: ColumnBacklog, Priority: 9, Labels: []string{"agent:interactive"}, CreatedAt: time.Now()}
	if err := store.CreateCard(&interactive); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, ok, err := board.GetNext("p1", SelectionToggles{SkipInteractiveOnly: true})
	if err != nil {
		t.Fatalf("GetNext() error: %v", err)
	}
	if ok {
		t.Fatalf("expected no eligible card, interactive-only card should be skipped")
	}
}

func TestUpdateCardOptimisticLockConflict(t *testing.T) {
	store := newMemStore()
	board := NewBoard(store)

	c := &KanbanCard{ID: "c1", ProjectID: "p1", Title: "orig", Column: ColumnBacklog}
	if err := board.CreateCard(c); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}

	staleTime := c.UpdatedAt
	winner := &KanbanCard{ID: "c1", ProjectID: "p1", Title: "first-writer"}
	if err := board.UpdateCard(winner, &staleTime); err != nil {
		t.Fatalf("first update should succeed: %v", err)
	}

	loser := &KanbanCard{ID: "c1", ProjectID: "p1", Title: "second-writer"}
	err := board.UpdateCard(loser, &staleTime)
	if err == nil {
		t.Fatalf("expected Conflict on stale ifUpdatedAt")
	}
	if !awcerr.Is(err, awcerr.Conflict) {
		t.Fatalf("expected Conflict error, got %v", err)
	}
}

func TestMoveCardAppendsAtMaxPositionAndSetsCompletedAt(t *testing.T) {
	store := newMemStore()
	board := NewBoard(store)

	c := &KanbanCard{ID: "c1", ProjectID: "p1", Title: "t"}
	if err := board.CreateCard(c); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}

	if err := board.MoveCard("c1", ColumnDone); err != nil {
		t.Fatalf("MoveCard: %v", err)
	}

	got, found, err := store.GetCard("c1")
	if err != nil || !found {
		t.Fatalf("GetCard: %v, %v", found, err)
	}
	if got.Column != ColumnDone {
		t.Fatalf("expected column done, got %s", got.Column)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be set when moved to done")
	}
}

func TestStartWorkRequiresAssignedAgent(t *testing.T) {
	store := newMemStore()
	board := NewBoard(store)

	c := &KanbanCard{ID: "c1", ProjectID: "p1", Title: "t"}
	if err := board.CreateCard(c); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}

	if err := board.StartWork("c1"); err == nil {
		t.Fatalf("expected Conflict starting work without an assigned agent")
	}

	if err := board.AssignAgent("c1", "dev"); err != nil {
		t.Fatalf("AssignAgent: %v", err)
	}
	if err := board.StartWork("c1"); err != nil {
		t.Fatalf("StartWork: %v", err)
	}

	got, _, _ := store.GetCard("c1")
	if got.AgentStatus != AgentRunning || got.StartedAt == nil || got.Column != ColumnInProgress {
		t.Fatalf("unexpected card state after StartWork: %+v", got)
	}
}
