package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/models"
	"github.com/ukydev/fleet-assistance/internal/pagination"
)

// AssistanceCollection defines the persistence operations of the assistance aggregate.
type AssistanceCollection interface {
	// Insert fails with apperr.ErrAssistanceInProgressAlreadyExists when the
	// vehicle already has an active case.
	Insert(ctx context.Context, a *models.Assistance) error
	FindByID(ctx context.Context, id string) (*models.Assistance, error)
	// Replace stores a only if the stored copy still has expectedVersion, and
	// bumps a.Version on success.
	Replace(ctx context.Context, a *models.Assistance, expectedVersion int64) error
	// FindActiveByChassis and FindActiveByTowerAsset return nil, nil when
	// there is no active case.
	FindActiveByChassis(ctx context.Context, chassis string) (*models.Assistance, error)
	FindActiveByTowerAsset(ctx context.Context, assetID string) (*models.Assistance, error)
	List(ctx context.Context, q ListQuery) (*ListPage, error)
}

// SequenceCollection is the atomic counter primitive behind the sequence generator.
type SequenceCollection interface {
	Increment(ctx context.Context, name string) (int64, error)
	ResetIfAbove(ctx context.Context, name string, max int64) (bool, error)
}

// AssistanceCursor iterates listing results.
type AssistanceCursor interface {
	All(ctx context.Context, out interface{}) error
	Close(ctx context.Context) error
}

// ListQuery selects one of the range listings. Exactly one partition is
// required: a chassis, a state, or an occurrence type. DatePrefix narrows a
// state listing to creation dates starting with the prefix.
type ListQuery struct {
	Chassis        string
	State          models.State
	DatePrefix     string
	OccurrenceType models.OccurrenceType
	Limit          int
	Descending     bool
	After          pagination.Key
}

// ListPage is a page of results and the key of its last item when more remain.
type ListPage struct {
	Items   []models.Assistance
	LastKey pagination.Key
}

const (
	fieldID             = "_id"
	fieldCreatedAt      = "created_at"
	fieldStateCreatedAt = "state_created_at"
)

// Validate rejects queries that do not name a usable partition.
func (q ListQuery) Validate() error {
	switch {
	case q.Chassis == "" && q.State == "" && q.OccurrenceType == "":
		return apperr.ErrInvalidQuery.WithMessage("a chassis, state or occurrence type filter is required")
	case q.State != "" && !q.State.Valid():
		return apperr.ErrInvalidQuery.WithMessage("state %q is not a valid state", q.State)
	case q.DatePrefix != "" && q.State == "":
		return apperr.ErrInvalidQuery.WithMessage("a date filter needs a state")
	case q.Limit < 1:
		return apperr.ErrInvalidQuery.WithMessage("limit must be positive")
	}
	return nil
}

// SortField is the range attribute the query scans in order.
func (q ListQuery) SortField() string {
	if q.Chassis != "" {
		return fieldCreatedAt
	}
	return fieldStateCreatedAt
}

// KeyOf builds the last evaluated key for a under q.
func (q ListQuery) KeyOf(a *models.Assistance) pagination.Key {
	if q.SortField() == fieldCreatedAt {
		return pagination.Key{fieldCreatedAt: a.CreatedAt, fieldID: a.ID}
	}
	return pagination.Key{fieldStateCreatedAt: a.StateCreatedAt, fieldID: a.ID}
}

// SortValue extracts the comparable range value of a key, normalizing the
// decoded BSON date form to time.Time.
func SortValue(key pagination.Key, field string) (any, bool) {
	v, ok := key[field]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC(), true
	case time.Time:
		return t.UTC(), true
	default:
		return v, true
	}
}
