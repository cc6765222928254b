package dispatch

import (
	"context"
	"regexp"
	"strings"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/db"
	"github.com/ukydev/fleet-assistance/internal/models"
	"github.com/ukydev/fleet-assistance/internal/pagination"
	"github.com/ukydev/fleet-assistance/internal/routing"
	"github.com/ukydev/fleet-assistance/internal/worklog"
)

// AssistancePage is one page of a case listing.
type AssistancePage = pagination.Page[models.Assistance]

// datePrefix accepts any leading part of models.SortKeyLayout.
var datePrefix = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2}(T\d{2}(:\d{2}(:\d{2})?)?)?)?)?$`)

// Get returns one case.
func (s *Service) Get(ctx context.Context, id string) (*models.Assistance, error) {
	return routing.ReadOnlyResult(ctx, func(ctx context.Context) (*models.Assistance, error) {
		return s.store.FindByID(ctx, id)
	})
}

// ListByChassis lists the cases of a vehicle, newest first unless asked otherwise.
func (s *Service) ListByChassis(ctx context.Context, chassis string, req pagination.Request) (*AssistancePage, error) {
	chassis = strings.TrimSpace(chassis)
	if chassis == "" {
		return nil, apperr.ErrInvalidQuery.WithMessage("chassis is required")
	}
	return s.list(ctx, "list_by_chassis", db.ListQuery{Chassis: chassis}, req, true)
}

// ListByState lists cases in a state, oldest first unless asked otherwise.
func (s *Service) ListByState(ctx context.Context, state models.State, req pagination.Request) (*AssistancePage, error) {
	return s.ListByStateAndDate(ctx, state, "", req)
}

// ListByStateAndDate narrows ListByState to cases created at dates starting
// with date, e.g. "2024-05" or "2024-05-17".
func (s *Service) ListByStateAndDate(ctx context.Context, state models.State, date string, req pagination.Request) (*AssistancePage, error) {
	if state == "" {
		return nil, apperr.ErrInvalidQuery.WithMessage("state is required")
	}
	if date != "" && !datePrefix.MatchString(date) {
		return nil, apperr.ErrInvalidQuery.WithMessage("date %q is not a date prefix", date)
	}
	return s.list(ctx, "list_by_state", db.ListQuery{State: state, DatePrefix: date}, req, false)
}

// ListByOccurrenceType lists cases of an occurrence type, optionally narrowed
// by state and date prefix.
func (s *Service) ListByOccurrenceType(ctx context.Context, typ models.OccurrenceType, state models.State, date string, req pagination.Request) (*AssistancePage, error) {
	if typ == "" {
		return nil, apperr.ErrInvalidQuery.WithMessage("occurrence type is required")
	}
	if date != "" && !datePrefix.MatchString(date) {
		return nil, apperr.ErrInvalidQuery.WithMessage("date %q is not a date prefix", date)
	}
	q := db.ListQuery{OccurrenceType: typ, State: state, DatePrefix: date}
	return s.list(ctx, "list_by_type", q, req, false)
}

func (s *Service) list(ctx context.Context, op string, q db.ListQuery, req pagination.Request, defaultDesc bool) (page *AssistancePage, err error) {
	defer func() { s.observe(op, err) }()

	after, err := pagination.Decode(req.Cursor)
	if err != nil {
		return nil, err
	}
	q.After = after
	q.Limit = req.EffectiveLimit()
	q.Descending = req.Descending(defaultDesc)
	if err := q.Validate(); err != nil {
		return nil, err
	}

	res, err := routing.ReadOnlyResult(ctx, func(ctx context.Context) (*db.ListPage, error) {
		return s.store.List(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	next, err := pagination.Encode(res.LastKey)
	if err != nil {
		return nil, err
	}
	items := res.Items
	if items == nil {
		items = []models.Assistance{}
	}
	return &AssistancePage{Items: items, NextCursor: next}, nil
}

// FindActiveByTowerAsset returns the case in progress for a control tower asset.
func (s *Service) FindActiveByTowerAsset(ctx context.Context, assetID string) (*models.Assistance, error) {
	if strings.TrimSpace(assetID) == "" {
		return nil, apperr.ErrInvalidQuery.WithMessage("asset id is required")
	}
	a, err := routing.ReadOnlyResult(ctx, func(ctx context.Context) (*models.Assistance, error) {
		return s.store.FindActiveByTowerAsset(ctx, assetID)
	})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperr.ErrAssistanceNotFound
	}
	return a, nil
}

// FindByChassisList looks up the case in progress of each chassis, one at a
// time, in input order. Blank, repeated and inactive chassis are skipped.
func (s *Service) FindByChassisList(ctx context.Context, chassis []string) ([]models.Assistance, error) {
	return routing.ReadOnlyResult(ctx, func(ctx context.Context) ([]models.Assistance, error) {
		seen := make(map[string]struct{}, len(chassis))
		out := make([]models.Assistance, 0, len(chassis))
		for _, c := range chassis {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			a, err := s.store.FindActiveByChassis(ctx, c)
			if err != nil {
				return nil, err
			}
			if a != nil {
				out = append(out, *a)
			}
		}
		return out, nil
	})
}

// Worklog reads the audit trail, newest first.
func (s *Service) Worklog(ctx context.Context, f worklog.Filter) ([]models.WorklogKanbanEntry, error) {
	if s.worklog == nil {
		return []models.WorklogKanbanEntry{}, nil
	}
	return routing.ReadOnlyResult(ctx, func(ctx context.Context) ([]models.WorklogKanbanEntry, error) {
		return s.worklog.Query(ctx, f)
	})
}

// NextSequence issues the next value of a caller-named counter. Caller
// counters live under PublicSequencePrefix and never reach the counters that
// number cases and refunds.
func (s *Service) NextSequence(ctx context.Context, name string, max int64) (n int64, err error) {
	defer func() { s.observe("next_sequence", err) }()
	if strings.TrimSpace(name) == "" {
		return 0, apperr.ErrSequenceInvalid
	}
	return s.sequences.Next(ctx, PublicSequenceName(name), max)
}

// PublicSequenceName maps a caller-supplied counter name to its stored name.
func PublicSequenceName(name string) string {
	return PublicSequencePrefix + strings.TrimSpace(name)
}
