package orchestrator

import (
	"context"
	"io"
	"sync"
	"testing"

	"awc/agents"
	"awc/gate"
	"awc/kanban"
)

type fakeSpawner struct {
	result *agents.AgentResult
	err    error
	output string
}

func (f *fakeSpawner) SpawnAgentStreaming(ctx context.Context, variant string, data agents.PromptData, workDir string, sink io.Writer) (*agents.AgentResult, error) {
	if f.output != "" && sink != nil {
		_, _ = sink.Write([]byte(f.output))
	}
	return f.result, f.err
}

type fakeWorktrees struct {
	mu              sync.Mutex
	createPath      string
	hasChanges      bool
	hasChangesErr   error
	commitErr       error
	commitCalls     int
}

func (w *fakeWorktrees) CreateWorktree(ctx context.Context, cardID, branchName string) (string, error) {
	return w.createPath, nil
}
func (w *fakeWorktrees) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	return w.hasChanges, w.hasChangesErr
}
func (w *fakeWorktrees) Commit(ctx context.Context, worktreePath, message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commitCalls++
	return w.commitErr
}

type fakeStore struct {
	mu       sync.Mutex
	runs     []kanban.AgentRun
	audits   []kanban.AuditEntry
	usage    []kanban.TokenUsageEntry
	project  *kanban.Project
}

func (s *fakeStore) AddAgentRun(r *kanban.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *r)
	return nil
}
func (s *fakeStore) CompleteAgentRun(id, status string, exitCode int, output string, timedOut bool) error {
	return nil
}
func (s *fakeStore) AddAuditEntry(entry *kanban.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *entry)
	return nil
}
func (s *fakeStore) AddTokenUsage(u *kanban.TokenUsageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, *u)
	return nil
}
func (s *fakeStore) UpsertWorktreePoolEntry(e *kanban.WorktreePoolEntry) error { return nil }
func (s *fakeStore) GetProject(id string) (*kanban.Project, bool, error) {
	if s.project == nil {
		return nil, false, nil
	}
	return s.project, true, nil
}

func testCard(workDir string) *kanban.KanbanCard {
	return &kanban.KanbanCard{
		ID: "c1", ProjectID: "p1", Title: "fix the thing",
		Description: "do the fix", AssignedAgent: "default",
	}
}

func emptyGateConfig(worktreePath string) gate.Config {
	return gate.Config{WorktreePath: worktreePath}
}

func collectEvents() (EventSink, func() []string) {
	var mu sync.Mutex
	var types []string
	sink := func(eventType, cardID string, payload map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, eventType)
	}
	return sink, func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(types))
		copy(out, types)
		return out
	}
}

func TestRunSuccessPassesGateAndPublishesFullEventSequence(t *testing.T) {
	dir := t.TempDir()
	events, getEvents := collectEvents()

	o := New(Deps{
		Spawner:   &fakeSpawner{result: &agents.AgentResult{Success: true, ExitCode: 0}},
		Worktrees: &fakeWorktrees{createPath: dir, hasChanges: true},
		Store:     &fakeStore{},
		GateConfig: emptyGateConfig,
		Events:     events,
	})

	card := testCard(dir)
	if _, _, err := o.Provision(context.Background(), card); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	result, err := o.Run(context.Background(), card, dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}

	got := getEvents()
	want := []string{"agent.spawned", "agent.completed", "verification.started", "verification.passed"}
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunNoChangesFailsWithoutRunningGate(t *testing.T) {
	dir := t.TempDir()
	events, getEvents := collectEvents()

	o := New(Deps{
		Spawner:    &fakeSpawner{result: &agents.AgentResult{Success: true, ExitCode: 0}},
		Worktrees:  &fakeWorktrees{createPath: dir, hasChanges: false},
		Store:      &fakeStore{},
		GateConfig: emptyGateConfig,
		Events:     events,
	})

	card := testCard(dir)
	o.Provision(context.Background(), card)
	result, err := o.Run(context.Background(), card, dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure when agent made no changes")
	}

	got := getEvents()
	for _, e := range got {
		if e == "verification.started" {
			t.Fatalf("gate should not run when there are no changes, events: %v", got)
		}
	}
}

func TestRunAgentFailureSkipsGate(t *testing.T) {
	dir := t.TempDir()
	o := New(Deps{
		Spawner:    &fakeSpawner{result: &agents.AgentResult{Success: false, Error: "boom"}},
		Worktrees:  &fakeWorktrees{createPath: dir, hasChanges: true},
		Store:      &fakeStore{},
		GateConfig: emptyGateConfig,
	})

	card := testCard(dir)
	o.Provision(context.Background(), card)
	result, err := o.Run(context.Background(), card, dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure to propagate")
	}
	if result.Error != "boom" {
		t.Fatalf("expected agent error preserved, got %q", result.Error)
	}
}

func TestRunGate0PreflightRejectsEmptyDescription(t *testing.T) {
	dir := t.TempDir()
	o := New(Deps{
		Spawner:    &fakeSpawner{result: &agents.AgentResult{Success: true}},
		Worktrees:  &fakeWorktrees{createPath: dir, hasChanges: true},
		Store:      &fakeStore{},
		GateConfig: emptyGateConfig,
	})

	card := &kanban.KanbanCard{ID: "c2", ProjectID: "p1", Title: "bare card"}
	result, err := o.Run(context.Background(), card, dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected gate 0 preflight to reject a card with no description")
	}
}

func TestRunConcurrencyCapReturnsBusy(t *testing.T) {
	dir := t.TempDir()
	o := New(Deps{
		Spawner:             &fakeSpawner{result: &agents.AgentResult{Success: true}},
		Worktrees:           &fakeWorktrees{createPath: dir, hasChanges: true},
		Store:               &fakeStore{},
		GateConfig:          emptyGateConfig,
		MaxConcurrentAgents: 1,
	})

	release, err := o.acquire("p1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	card := testCard(dir)
	_, err = o.Run(context.Background(), card, dir)
	if err == nil {
		t.Fatalf("expected Busy error when process-wide cap is already held")
	}
}

func TestActionScannerParsesCreateCardBlock(t *testing.T) {
	var applied []workspaceAction
	scanner := &actionScanner{apply: func(a workspaceAction) { applied = append(applied, a) }}

	lines := []string{
		"some agent chatter",
		":::action",
		`{"action":"create_card","title":"follow up","projectId":"p1"}`,
		":::",
		"more chatter",
	}
	for _, l := range lines {
		scanner.feed(l)
	}

	if len(applied) != 1 {
		t.Fatalf("expected 1 parsed action, got %d", len(applied))
	}
	if applied[0].Action != "create_card" || applied[0].Title != "follow up" {
		t.Fatalf("unexpected parsed action: %+v", applied[0])
	}
}

func TestActionScannerSkipsMalformedBlock(t *testing.T) {
	var applied []workspaceAction
	scanner := &actionScanner{apply: func(a workspaceAction) { applied = append(applied, a) }}

	for _, l := range []string{":::action", "not json", ":::"} {
		scanner.feed(l)
	}
	if len(applied) != 0 {
		t.Fatalf("expected malformed block to be skipped, got %+v", applied)
	}
}

func TestLineSinkSplitsOnNewlineAndFlushesTrailing(t *testing.T) {
	var lines []string
	sink := &lineSink{emit: func(line string) { lines = append(lines, line) }}

	sink.Write([]byte("line one\nline "))
	sink.Write([]byte("two\npartial"))
	sink.Flush()

	want := []string{"line one", "line two", "partial"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}
