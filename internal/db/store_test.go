package db

import (
	"path/filepath"
	"testing"
	"time"

	"awc/awcerr"
	"awc/kanban"

	"github.com/google/uuid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "awc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := openTestDB(t)
	if err := d.migrate(); err != nil {
		t.Fatalf("second migrate() should be a no-op, got: %v", err)
	}
	if err := d.migrate(); err != nil {
		t.Fatalf("third migrate() should be a no-op, got: %v", err)
	}
}

func TestAddColumnIfMissingSkipsExistingColumn(t *testing.T) {
	d := openTestDB(t)
	ok, err := d.hasColumn("cards", "campaign_id")
	if err != nil {
		t.Fatalf("hasColumn: %v", err)
	}
	if !ok {
		t.Fatalf("expected campaign_id column to exist after migrate")
	}
	if err := d.addColumnIfMissing("cards", "campaign_id", "campaign_id TEXT"); err != nil {
		t.Fatalf("addColumnIfMissing on existing column should be a no-op: %v", err)
	}
}

func seedProject(t *testing.T, store *Store) *kanban.Project {
	t.Helper()
	p := &kanban.Project{
		ID:        uuid.NewString(),
		Name:      "demo",
		Status:    kanban.ProjectActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func TestCreateAndGetCardRoundTrips(t *testing.T) {
	store := NewStore(openTestDB(t))
	project := seedProject(t, store)

	now := time.Now()
	c := &kanban.KanbanCard{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Title:     "implement thing",
		Column:    kanban.ColumnBacklog,
		Labels:    []string{"agent:dev", "p1"},
		Priority:  3,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateCard(c); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}

	got, found, err := store.GetCard(c.ID)
	if err != nil || !found {
		t.Fatalf("GetCard() = %v, %v, %v", got, found, err)
	}
	if got.Title != c.Title || got.Priority != c.Priority {
		t.Fatalf("round-tripped card mismatch: %+v", got)
	}
	if len(got.Labels) != 2 || got.Labels[0] != "agent:dev" {
		t.Fatalf("expected labels to round-trip through JSON, got %v", got.Labels)
	}
}

func TestUpdateCardOptimisticLockConflict(t *testing.T) {
	store := NewStore(openTestDB(t))
	project := seedProject(t, store)

	now := time.Now()
	c := &kanban.KanbanCard{
		ID: uuid.NewString(), ProjectID: project.ID, Title: "orig",
		Column: kanban.ColumnBacklog, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateCard(c); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}

	stale := c.UpdatedAt
	c.Title = "first writer"
	c.UpdatedAt = time.Now()
	if err := store.UpdateCard(c, &stale); err != nil {
		t.Fatalf("first UpdateCard should succeed: %v", err)
	}

	c.Title = "second writer"
	if err := store.UpdateCard(c, &stale); err == nil {
		t.Fatalf("expected Conflict on stale ifUpdatedAt")
	} else if !awcerr.Is(err, awcerr.Conflict) {
		t.Fatalf("expected Conflict error, got %v", err)
	}
}

func TestUpsertDocumentEnforcesSingletonForSystemManagedTypes(t *testing.T) {
	store := NewStore(openTestDB(t))
	project := seedProject(t, store)

	now := time.Now()
	first := &kanban.ProjectDocument{
		ID: uuid.NewString(), ProjectID: project.ID, Type: kanban.DocState,
		Title: "state", Content: "v1", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.UpsertDocument(first); err != nil {
		t.Fatalf("UpsertDocument (insert): %v", err)
	}

	second := &kanban.ProjectDocument{
		ID: uuid.NewString(), ProjectID: project.ID, Type: kanban.DocState,
		Title: "state", Content: "v2", CreatedAt: now, UpdatedAt: time.Now(),
	}
	if err := store.UpsertDocument(second); err != nil {
		t.Fatalf("UpsertDocument (update): %v", err)
	}

	docs, err := store.GetDocumentsByProject(project.ID)
	if err != nil {
		t.Fatalf("GetDocumentsByProject: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected exactly one state document, got %d", len(docs))
	}
	if docs[0].Content != "v2" {
		t.Fatalf("expected latest content to win, got %q", docs[0].Content)
	}
}

func TestSearchFindsCardByTitle(t *testing.T) {
	store := NewStore(openTestDB(t))
	project := seedProject(t, store)

	now := time.Now()
	c := &kanban.KanbanCard{
		ID: uuid.NewString(), ProjectID: project.ID, Title: "migrate billing service to new gateway",
		Column: kanban.ColumnBacklog, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateCard(c); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}

	results, err := store.Search("billing", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, r := range results {
		if r.ID == c.ID && r.Kind == "card" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected card %s in search results, got %+v", c.ID, results)
	}
}

func TestHistoryEntriesOrderedByTime(t *testing.T) {
	store := NewStore(openTestDB(t))
	project := seedProject(t, store)

	now := time.Now()
	c := &kanban.KanbanCard{ID: uuid.NewString(), ProjectID: project.ID, Title: "t", Column: kanban.ColumnBacklog, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateCard(c); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}

	for i, status := range []string{"created", "started", "done"} {
		entry := &kanban.HistoryEntry{
			ID: uuid.NewString(), CardID: c.ID, Column: kanban.ColumnBacklog,
			Status: status, By: "tester", Timestamp: now.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AddHistoryEntry(entry); err != nil {
			t.Fatalf("AddHistoryEntry: %v", err)
		}
	}

	history, err := store.GetHistory(c.ID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 3 || history[0].Status != "created" || history[2].Status != "done" {
		t.Fatalf("unexpected history order: %+v", history)
	}
}
