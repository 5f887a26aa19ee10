package kanban

import "time"

// CardStore is the persistence interface the board package depends on. The
// concrete implementation lives in internal/db and is backed by SQLite; tests
// may substitute an in-memory fake.
type CardStore interface {
	CreateCard(c *KanbanCard) error
	GetCard(id string) (*KanbanCard, bool, error)
	GetCardsByProject(projectID string) ([]KanbanCard, error)
	GetCardsByColumn(projectID string, column Column) ([]KanbanCard, error)
	// UpdateCard persists c. If ifUpdatedAt is non-nil, the write only
	// succeeds when the stored UpdatedAt equals *ifUpdatedAt; on mismatch it
	// returns a Conflict error carrying the current UpdatedAt.
	UpdateCard(c *KanbanCard, ifUpdatedAt *time.Time) error
	DeleteCard(id string) error
	MaxPosition(projectID string, column Column) (int, error)

	AddHistoryEntry(entry *HistoryEntry) error
	GetHistory(cardID string) ([]HistoryEntry, error)

	AddAuditEntry(entry *AuditEntry) error
}
