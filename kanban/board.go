package kanban

import (
	"sort"
	"sync"
	"time"

	"awc/awcerr"

	"github.com/google/uuid"
)

// Board is the operation surface for the kanban work queue. It wraps a
// CardStore with the card-mutation invariants and selection algorithm; the
// store itself only knows how to read and write rows.
type Board struct {
	store CardStore

	// locks serialises state-machine transitions per card: a running->blocked
	// transition must never interleave with a concurrent running->done for
	// the same card. One mutex per card id, created lazily.
	locks sync.Map // cardID -> *sync.Mutex
}

// NewBoard constructs a Board over the given store.
func NewBoard(store CardStore) *Board {
	return &Board{store: store}
}

func (b *Board) lockFor(cardID string) *sync.Mutex {
	v, _ := b.locks.LoadOrStore(cardID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// GetBoard returns every card for a project.
func (b *Board) GetBoard(projectID string) ([]KanbanCard, error) {
	return b.store.GetCardsByProject(projectID)
}

// CreateCard inserts a new card at the back of its column.
func (b *Board) CreateCard(c *KanbanCard) error {
	if c.Title == "" {
		return awcerr.New(awcerr.Validation, "title is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Column == "" {
		c.Column = ColumnBacklog
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	maxPos, err := b.store.MaxPosition(c.ProjectID, c.Column)
	if err != nil {
		return err
	}
	c.Position = maxPos + 1

	if err := b.store.CreateCard(c); err != nil {
		return err
	}
	return b.store.AddAuditEntry(&AuditEntry{
		ID: uuid.NewString(), EntityType: "card", EntityID: c.ID,
		Action: "card.created", Actor: "system", Timestamp: now,
	})
}

// UpdateCard applies an arbitrary field update, honouring the optional
// optimistic-lock token. Absent ifUpdatedAt means last-write-wins — callers
// should pass it whenever they hold a previously read card.
func (b *Board) UpdateCard(c *KanbanCard, ifUpdatedAt *time.Time) error {
	mu := b.lockFor(c.ID)
	mu.Lock()
	defer mu.Unlock()

	c.UpdatedAt = time.Now()
	if err := b.store.UpdateCard(c, ifUpdatedAt); err != nil {
		return err
	}
	return b.store.AddAuditEntry(&AuditEntry{
		ID: uuid.NewString(), EntityType: "card", EntityID: c.ID,
		Action: "card.updated", Actor: "system", Timestamp: c.UpdatedAt,
	})
}

// MoveCard changes a card's column, appending it to the destination column
// (max position + 1). Column changes outside backlog->in_progress and
// in_progress->done performed by the core itself are human overrides and are
// allowed unconditionally here; the Builder/Orchestrator only ever call the
// two core-driven transitions.
func (b *Board) MoveCard(cardID string, to Column) error {
	mu := b.lockFor(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, found, err := b.store.GetCard(cardID)
	if err != nil {
		return err
	}
	if !found {
		return awcerr.New(awcerr.NotFound, "card not found: "+cardID)
	}

	maxPos, err := b.store.MaxPosition(card.ProjectID, to)
	if err != nil {
		return err
	}

	card.Column = to
	card.Position = maxPos + 1
	card.UpdatedAt = time.Now()
	if to == ColumnDone {
		now := card.UpdatedAt
		card.CompletedAt = &now
	}

	if err := b.store.UpdateCard(card, nil); err != nil {
		return err
	}
	return b.store.AddHistoryEntry(&HistoryEntry{
		ID: uuid.NewString(), CardID: cardID, Column: to, Status: string(to),
		By: "system", Timestamp: card.UpdatedAt,
	})
}

// DeleteCard removes a card permanently.
func (b *Board) DeleteCard(cardID string) error {
	return b.store.DeleteCard(cardID)
}

// SkipToBack sends a backlog card to the back of the backlog (max position + 1).
func (b *Board) SkipToBack(cardID string) error {
	mu := b.lockFor(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, found, err := b.store.GetCard(cardID)
	if err != nil {
		return err
	}
	if !found {
		return awcerr.New(awcerr.NotFound, "card not found: "+cardID)
	}
	maxPos, err := b.store.MaxPosition(card.ProjectID, ColumnBacklog)
	if err != nil {
		return err
	}
	card.Position = maxPos + 1
	card.UpdatedAt = time.Now()
	return b.store.UpdateCard(card, nil)
}

// SaveContext attaches a context snapshot (and optional session id) to a card,
// used when an agent run is interrupted and later resumed.
func (b *Board) SaveContext(cardID, snapshot, sessionID string) error {
	card, found, err := b.store.GetCard(cardID)
	if err != nil {
		return err
	}
	if !found {
		return awcerr.New(awcerr.NotFound, "card not found: "+cardID)
	}
	card.ContextSnapshot = snapshot
	if sessionID != "" {
		card.LastSessionID = sessionID
	}
	card.UpdatedAt = time.Now()
	return b.store.UpdateCard(card, nil)
}

// AssignAgent records which agent variant is claiming a backlog card.
func (b *Board) AssignAgent(cardID, agent string) error {
	card, found, err := b.store.GetCard(cardID)
	if err != nil {
		return err
	}
	if !found {
		return awcerr.New(awcerr.NotFound, "card not found: "+cardID)
	}
	card.AssignedAgent = agent
	card.UpdatedAt = time.Now()
	return b.store.UpdateCard(card, nil)
}

// UpdateAgentStatus transitions a card's AgentStatus, maintaining the
// StartedAt/AssignedAgent invariant for AgentRunning and recording an
// optional blocked reason.
func (b *Board) UpdateAgentStatus(cardID string, status AgentStatus, reason string) error {
	mu := b.lockFor(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, found, err := b.store.GetCard(cardID)
	if err != nil {
		return err
	}
	if !found {
		return awcerr.New(awcerr.NotFound, "card not found: "+cardID)
	}

	if status == AgentRunning && card.AssignedAgent == "" {
		return awcerr.New(awcerr.Conflict, "cannot set running without an assigned agent")
	}

	card.AgentStatus = status
	card.BlockedReason = reason
	now := time.Now()
	card.UpdatedAt = now
	if status == AgentRunning && card.StartedAt == nil {
		card.StartedAt = &now
	}
	return b.store.UpdateCard(card, nil)
}

// SetVerificationStatus records a gate verdict on a card without touching
// its column or agent status — used when a branch or merge gate fails and
// the card must stay exactly where its AgentStatus transition left it.
func (b *Board) SetVerificationStatus(cardID string, status VerificationStatus) error {
	mu := b.lockFor(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, found, err := b.store.GetCard(cardID)
	if err != nil {
		return err
	}
	if !found {
		return awcerr.New(awcerr.NotFound, "card not found: "+cardID)
	}
	card.VerificationStatus = status
	card.UpdatedAt = time.Now()
	return b.store.UpdateCard(card, nil)
}

// StartWork transitions a backlog[assigned] card to in_progress[running]. It
// fails with Conflict if the card has no assigned agent or is already
// running.
func (b *Board) StartWork(cardID string) error {
	mu := b.lockFor(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, found, err := b.store.GetCard(cardID)
	if err != nil {
		return err
	}
	if !found {
		return awcerr.New(awcerr.NotFound, "card not found: "+cardID)
	}
	if card.AgentStatus == AgentRunning {
		return awcerr.New(awcerr.Conflict, "card already running: "+cardID)
	}
	if card.AssignedAgent == "" {
		return awcerr.New(awcerr.Conflict, "card has no assigned agent: "+cardID)
	}

	maxPos, err := b.store.MaxPosition(card.ProjectID, ColumnInProgress)
	if err != nil {
		return err
	}

	now := time.Now()
	card.Column = ColumnInProgress
	card.Position = maxPos + 1
	card.AgentStatus = AgentRunning
	card.StartedAt = &now
	card.UpdatedAt = now
	return b.store.UpdateCard(card, nil)
}

// CompleteWork transitions a running card to done.
func (b *Board) CompleteWork(cardID string, verification VerificationStatus) error {
	mu := b.lockFor(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, found, err := b.store.GetCard(cardID)
	if err != nil {
		return err
	}
	if !found {
		return awcerr.New(awcerr.NotFound, "card not found: "+cardID)
	}

	maxPos, err := b.store.MaxPosition(card.ProjectID, ColumnDone)
	if err != nil {
		return err
	}

	now := time.Now()
	card.Column = ColumnDone
	card.Position = maxPos + 1
	card.AgentStatus = AgentCompleted
	card.VerificationStatus = verification
	card.CompletedAt = &now
	card.UpdatedAt = now
	return b.store.UpdateCard(card, nil)
}

// Resume re-arms a blocked or failed card for another attempt, returning it
// to backlog[assigned] so the next Builder tick can pick it up again.
func (b *Board) Resume(cardID string) error {
	mu := b.lockFor(cardID)
	mu.Lock()
	defer mu.Unlock()

	card, found, err := b.store.GetCard(cardID)
	if err != nil {
		return err
	}
	if !found {
		return awcerr.New(awcerr.NotFound, "card not found: "+cardID)
	}

	maxPos, err := b.store.MaxPosition(card.ProjectID, ColumnBacklog)
	if err != nil {
		return err
	}

	now := time.Now()
	card.Column = ColumnBacklog
	card.Position = maxPos + 1
	card.AgentStatus = AgentIdle
	card.BlockedReason = ""
	card.UpdatedAt = now
	return b.store.UpdateCard(card, nil)
}

// SelectionToggles are the Builder-relevant checklist toggles that affect
// GetNext's exclusion set.
type SelectionToggles struct {
	SkipInteractiveOnly bool
	BlockedRetryMinutes int
}

// GetNext implements the card selection algorithm: among backlog cards for
// the project, excluding running/blocked cards (unless a blocked card's
// retry window has elapsed), return the one minimising
// (-priority, position, createdAt). Deterministic given the store snapshot
// and the active toggles.
func (b *Board) GetNext(projectID string, toggles SelectionToggles) (*KanbanCard, bool, error) {
	cards, err := b.store.GetCardsByColumn(projectID, ColumnBacklog)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	var candidates []KanbanCard
	for _, c := range cards {
		switch c.AgentStatus {
		case AgentRunning:
			continue
		case AgentBlocked:
			if toggles.BlockedRetryMinutes <= 0 {
				continue
			}
			elapsed := now.Sub(c.UpdatedAt)
			if elapsed < time.Duration(toggles.BlockedRetryMinutes)*time.Minute {
				continue
			}
		}
		if toggles.SkipInteractiveOnly && c.HasLabel("agent:interactive") {
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, bb := candidates[i], candidates[j]
		if a.Priority != bb.Priority {
			return a.Priority > bb.Priority // higher priority first
		}
		if a.Position != bb.Position {
			return a.Position < bb.Position
		}
		return a.CreatedAt.Before(bb.CreatedAt)
	})

	winner := candidates[0]
	return &winner, true, nil
}
