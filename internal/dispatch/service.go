// Package dispatch is the assistance state engine: it creates cases, attaches
// and cancels dealership dispatches, moves dispatch steps, closes occurrences
// and serves the case listings.
//
// Every mutation loads the aggregate, validates against its current state,
// applies the change in memory and writes the whole document back conditioned
// on the version it read. Nothing is written when validation fails. Material
// changes are then copied to the worklog trail; a failed worklog append is
// logged and counted but does not undo the aggregate write.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/db"
	"github.com/ukydev/fleet-assistance/internal/integration"
	"github.com/ukydev/fleet-assistance/internal/metrics"
	"github.com/ukydev/fleet-assistance/internal/models"
	"github.com/ukydev/fleet-assistance/internal/routing"
	"github.com/ukydev/fleet-assistance/internal/sequence"
	"github.com/ukydev/fleet-assistance/internal/worklog"
)

// Sequence names and limits used for numbering.
const (
	AssistanceSequence = "assistance"
	RefundSequence     = "refund-protocol"
	SequenceMax        = 999999

	// PublicSequencePrefix namespaces counters issued through NextSequence.
	PublicSequencePrefix = "public:"

	defaultPriority = 3
)

// History descriptions.
const (
	HistoryCreated           = "CREATED"
	HistoryOccurrenceUpdated = "OCCURRENCE_UPDATED"
	HistoryDispatchAssigned  = "DISPATCH_ASSIGNED"
	HistoryDispatchCanceled  = "DISPATCH_CANCELED"
	HistoryStepAdded         = "STEP_ADDED"
	HistoryStepAdvanced      = "STEP_ADVANCED"
	HistoryOccurrenceClosed  = "OCCURRENCE_CLOSED"
	HistoryRefundInitiated   = "REFUND_INITIATED"
	HistoryPaymentReleased   = "PAYMENT_RELEASED"
	HistoryTicketOpened      = "TICKET_OPENED"
)

// Deps are the collaborators of the engine. Assets, Ticketing and Notifier
// may be nil.
type Deps struct {
	Store     db.AssistanceCollection
	Worklog   worklog.Store
	Sequences *sequence.Generator
	Assets    integration.AssetDirectory
	Ticketing integration.Ticketing
	Notifier  integration.Notifier
	Metrics   *metrics.Recorder
	Logger    *log.Entry
	Now       func() time.Time
}

type Service struct {
	store     db.AssistanceCollection
	worklog   worklog.Store
	sequences *sequence.Generator
	assets    integration.AssetDirectory
	ticketing integration.Ticketing
	notifier  integration.Notifier
	validate  *validator.Validate
	metrics   *metrics.Recorder
	log       *log.Entry
	now       func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		worklog:   d.Worklog,
		sequences: d.Sequences,
		assets:    d.Assets,
		ticketing: d.Ticketing,
		notifier:  d.Notifier,
		validate:  validator.New(),
		metrics:   d.Metrics,
		log:       d.Logger,
		now:       d.Now,
	}
	if s.notifier == nil {
		s.notifier = integration.NopNotifier{}
	}
	if s.log == nil {
		s.log = log.NewEntry(log.StandardLogger())
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// observe counts the outcome of an operation and logs failures by kind.
func (s *Service) observe(op string, err error) {
	if err == nil {
		s.metrics.Operation(op, "ok")
		return
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		s.metrics.Operation(op, "error")
		s.log.WithField("operation", op).WithError(err).Error("Operation failed")
		return
	}
	s.metrics.Operation(op, ae.Code)
	entry := s.log.WithFields(log.Fields{"operation": op, "code": ae.Code})
	if ae.Kind == apperr.KindTransient {
		entry.WithError(err).Error("Operation failed")
		return
	}
	entry.Info("Operation rejected")
}

// mutate runs one optimistic read-modify-write cycle on the aggregate.
// The read goes to the primary so the version check compares against the
// latest write.
func (s *Service) mutate(ctx context.Context, id string, apply func(a *models.Assistance, now time.Time) error) (*models.Assistance, error) {
	var out *models.Assistance
	err := routing.Writable(ctx, func(ctx context.Context) error {
		a, err := s.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		version := a.Version
		now := s.clock()
		if err := apply(a, now); err != nil {
			return err
		}
		a.UpdatedAt = now
		if err := s.store.Replace(ctx, a, version); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func (s *Service) checkStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.ErrAssistanceInvalid.Wrap(err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Namespace()+" failed "+fe.Tag())
	}
	return apperr.ErrAssistanceInvalid.WithMessage("%s", strings.Join(msgs, "; "))
}

// record appends a worklog entry for a. Failures are logged and counted only.
func (s *Service) record(ctx context.Context, a *models.Assistance, actor models.Actor, e models.WorklogKanbanEntry) {
	if s.worklog == nil {
		return
	}
	e.OccurrenceID = a.Number
	e.OccurrenceUUID = a.ID
	e.UserID = actorID(actor)
	if e.ChangedAt.IsZero() {
		e.ChangedAt = a.UpdatedAt
	}
	if err := s.worklog.Append(ctx, &e); err != nil {
		s.metrics.WorklogFailure()
		s.log.WithFields(log.Fields{
			"assistance_id": a.ID,
			"action_type":   e.ActionType,
		}).WithError(err).Error("Failed to append worklog entry")
	}
}

func (s *Service) notify(ctx context.Context, event string, a *models.Assistance, dealershipID string) {
	s.notifier.Notify(ctx, integration.Notification{
		Event:        event,
		AssistanceID: a.ID,
		Number:       a.Number,
		Chassis:      a.Chassis,
		DealershipID: dealershipID,
		State:        string(a.State),
		At:           a.UpdatedAt,
	})
}

func actorID(a models.Actor) string {
	switch {
	case a.UserID != "":
		return a.UserID
	case a.AccountID != "":
		return a.AccountID
	default:
		return "system"
	}
}
