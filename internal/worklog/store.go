// Package worklog is the append-only audit trail of step and field changes
// made to assistance occurrences. Entries reference a case only by its number
// and uuid, and are never updated or deleted.
package worklog

import (
	"context"
	"time"

	"github.com/ukydev/fleet-assistance/internal/models"
)

// Page bounds a paginated worklog read.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Filter selects worklog entries. Zero fields do not filter. Results are
// always newest first.
type Filter struct {
	OccurrenceID   int64
	OccurrenceUUID string
	UserID         string
	Step           string
	From           time.Time
	To             time.Time
	Page           Page
}

// Store persists and reads worklog entries.
type Store interface {
	// Append stores entry and its field changes atomically and fills in the
	// generated ids.
	Append(ctx context.Context, entry *models.WorklogKanbanEntry) error
	Query(ctx context.Context, f Filter) ([]models.WorklogKanbanEntry, error)
}

// Trail offers the named reads over a Store.
type Trail struct {
	Store
}

func NewTrail(s Store) *Trail { return &Trail{Store: s} }

// ByOccurrence reads one page of the entries recorded under a case number.
// Case numbers wrap, so a number may cover several cases over time;
// ByOccurrenceUUID is the stable key for a single case.
func (t *Trail) ByOccurrence(ctx context.Context, occurrenceID int64, p Page) ([]models.WorklogKanbanEntry, error) {
	return t.Query(ctx, Filter{OccurrenceID: occurrenceID, Page: p})
}

func (t *Trail) ByOccurrenceUUID(ctx context.Context, occurrenceUUID string, p Page) ([]models.WorklogKanbanEntry, error) {
	return t.Query(ctx, Filter{OccurrenceUUID: occurrenceUUID, Page: p})
}

func (t *Trail) ByUser(ctx context.Context, userID string, p Page) ([]models.WorklogKanbanEntry, error) {
	return t.Query(ctx, Filter{UserID: userID, Page: p})
}

// ByDateRange returns entries changed in [from, to].
func (t *Trail) ByDateRange(ctx context.Context, from, to time.Time, p Page) ([]models.WorklogKanbanEntry, error) {
	return t.Query(ctx, Filter{From: from, To: to, Page: p})
}

func (t *Trail) ByStep(ctx context.Context, step string, p Page) ([]models.WorklogKanbanEntry, error) {
	return t.Query(ctx, Filter{Step: step, Page: p})
}

// ByOccurrenceAndStep shares the wrapping caveat of ByOccurrence.
func (t *Trail) ByOccurrenceAndStep(ctx context.Context, occurrenceID int64, step string, p Page) ([]models.WorklogKanbanEntry, error) {
	return t.Query(ctx, Filter{OccurrenceID: occurrenceID, Step: step, Page: p})
}
