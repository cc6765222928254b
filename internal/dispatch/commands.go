package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/integration"
	"github.com/ukydev/fleet-assistance/internal/models"
	"github.com/ukydev/fleet-assistance/internal/worklog"
)

// CreateInput is the payload of a new assistance case.
type CreateInput struct {
	Chassis           string             `json:"chassis" validate:"required,max=32"`
	CustomerAccountID string             `json:"customer_account_id"`
	CustomerAssetID   string             `json:"customer_asset_id"`
	TowerAccountID    string             `json:"tower_account_id"`
	TowerAssetID      string             `json:"tower_asset_id"`
	Vehicle           models.VehicleInfo `json:"vehicle"`
	Driver            *models.Driver     `json:"driver,omitempty"`
	Occurrence        models.Occurrence  `json:"occurrence"`
	Priority          int                `json:"priority" validate:"omitempty,min=1,max=5"`
}

// OccurrencePatch updates the occurrence. Nil fields are left untouched.
type OccurrencePatch struct {
	Subject         *string   `json:"subject,omitempty"`
	MainComplaint   *string   `json:"main_complaint,omitempty"`
	CustomerRequest *string   `json:"customer_request,omitempty" validate:"omitempty,max=200"`
	Diagnosis       *string   `json:"diagnosis,omitempty" validate:"omitempty,max=1000"`
	FaultCodes      *[]string `json:"fault_codes,omitempty"`
	PartsCode       *string   `json:"parts_code,omitempty"`
	Solution        *string   `json:"solution,omitempty"`
	LoadDescription *string   `json:"load_description,omitempty"`
	LoadWeight      *float64  `json:"load_weight,omitempty" validate:"omitempty,gte=0"`
	CriticalLoad    *bool     `json:"critical_load,omitempty"`
	Priority        *int      `json:"priority,omitempty" validate:"omitempty,min=1,max=5"`
}

// AssignInput attaches a dealership to a case.
type AssignInput struct {
	DealershipID string          `json:"dealership_id" validate:"required"`
	Location     models.Location `json:"location"`
}

// CancelInput abandons the active dispatch.
type CancelInput struct {
	Reason        string `json:"reason" validate:"required"`
	Justification string `json:"justification"`
}

// Create opens a case for a vehicle that has no other case in progress.
func (s *Service) Create(ctx context.Context, in CreateInput, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("create", err) }()

	in.Chassis = strings.TrimSpace(in.Chassis)
	if err := s.checkStruct(in); err != nil {
		return nil, err
	}

	existing, err := s.store.FindActiveByChassis(ctx, in.Chassis)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.ErrAssistanceInProgressAlreadyExists
	}
	if in.TowerAssetID != "" {
		existing, err = s.store.FindActiveByTowerAsset(ctx, in.TowerAssetID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, apperr.ErrAssistanceInProgressAlreadyExists
		}
	}

	number, err := s.sequences.Next(ctx, AssistanceSequence, SequenceMax)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	a = &models.Assistance{
		ID:                 uuid.NewString(),
		Number:             number,
		Chassis:            in.Chassis,
		CustomerAccountID:  in.CustomerAccountID,
		CustomerAssetID:    in.CustomerAssetID,
		TowerAccountID:     in.TowerAccountID,
		TowerAssetID:       in.TowerAssetID,
		Vehicle:            in.Vehicle,
		Driver:             in.Driver,
		Occurrence:         in.Occurrence,
		CanceledDispatches: []models.Dispatch{},
		CreatedBy:          actor,
		Priority:           in.Priority,
		UpdatedAt:          now,
	}
	if a.Priority == 0 {
		a.Priority = defaultPriority
	}
	a.SetCreatedAt(now)
	a.SetState(models.StateInProgress)
	a.AppendHistory(HistoryCreated, now, actor)

	if err := s.store.Insert(ctx, a); err != nil {
		return nil, err
	}
	s.log.WithFields(log.Fields{
		"assistance_id": a.ID,
		"number":        a.Number,
		"chassis":       a.Chassis,
	}).Info("Assistance created")
	return a, nil
}

// UpdateOccurrence applies the non-nil fields of patch.
func (s *Service) UpdateOccurrence(ctx context.Context, id string, patch OccurrencePatch, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("update_occurrence", err) }()

	if err := s.checkStruct(patch); err != nil {
		return nil, err
	}

	var changes worklog.Changes
	a, err = s.mutate(ctx, id, func(a *models.Assistance, now time.Time) error {
		if a.IsFinished() {
			return apperr.ErrAssistanceAlreadyFinished
		}
		changes = applyPatch(a, patch)
		if len(changes) == 0 {
			return apperr.ErrOccurrenceNoChanges
		}
		a.AppendHistory(HistoryOccurrenceUpdated, now, actor)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, a, actor, models.WorklogKanbanEntry{
		Step:        string(currentStep(a)),
		ActionType:  models.ActionFieldChange,
		Description: "occurrence updated",
		Fields:      changes,
	})
	return a, nil
}

func applyPatch(a *models.Assistance, p OccurrencePatch) worklog.Changes {
	var c worklog.Changes
	o := &a.Occurrence
	setString := func(field string, dst *string, v *string) {
		if v != nil {
			c.String(field, *dst, *v)
			*dst = *v
		}
	}
	setString("subject", &o.Subject, p.Subject)
	setString("main_complaint", &o.MainComplaint, p.MainComplaint)
	setString("customer_request", &o.CustomerRequest, p.CustomerRequest)
	setString("diagnosis", &o.Diagnosis, p.Diagnosis)
	setString("parts_code", &o.PartsCode, p.PartsCode)
	setString("solution", &o.Solution, p.Solution)
	setString("load_description", &o.LoadDescription, p.LoadDescription)
	if p.FaultCodes != nil {
		c.List("fault_codes", o.FaultCodes, *p.FaultCodes)
		o.FaultCodes = append([]string(nil), (*p.FaultCodes)...)
	}
	if p.LoadWeight != nil {
		c.Number("load_weight", o.LoadWeight, *p.LoadWeight)
		o.LoadWeight = *p.LoadWeight
	}
	if p.CriticalLoad != nil {
		c.Bool("critical_load", o.CriticalLoad, *p.CriticalLoad)
		o.CriticalLoad = *p.CriticalLoad
	}
	if p.Priority != nil {
		c.Number("priority", float64(a.Priority), float64(*p.Priority))
		a.Priority = *p.Priority
	}
	return c
}

// AssignDispatch attaches a dealership with the default step set.
func (s *Service) AssignDispatch(ctx context.Context, id string, in AssignInput, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("assign_dispatch", err) }()

	if err := s.checkStruct(in); err != nil {
		return nil, err
	}
	a, err = s.mutate(ctx, id, func(a *models.Assistance, now time.Time) error {
		if a.IsFinished() {
			return apperr.ErrAssistanceAlreadyFinished
		}
		if a.Dispatch != nil {
			return apperr.ErrDispatchAlreadyExists
		}
		a.Dispatch = models.NewDispatch(in.DealershipID, in.Location, now)
		a.AppendHistory(HistoryDispatchAssigned, now, actor)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, a, actor, models.WorklogKanbanEntry{
		ActionType:  models.ActionDispatchAssigned,
		NewStatus:   in.DealershipID,
		Description: "dispatch assigned to dealership " + in.DealershipID,
	})
	s.notify(ctx, integration.EventDispatchAssigned, a, in.DealershipID)
	return a, nil
}

// CancelDispatch moves the active dispatch to the canceled list.
func (s *Service) CancelDispatch(ctx context.Context, id string, in CancelInput, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("cancel_dispatch", err) }()

	if err := s.checkStruct(in); err != nil {
		return nil, err
	}
	var canceled models.Dispatch
	a, err = s.mutate(ctx, id, func(a *models.Assistance, now time.Time) error {
		if a.IsFinished() {
			return apperr.ErrAssistanceAlreadyFinished
		}
		if a.Dispatch == nil {
			return apperr.ErrNoDispatchForAssistance
		}
		canceled = *a.Dispatch
		canceled.Cancellation = &models.Cancellation{
			At:            now,
			Reason:        in.Reason,
			Justification: in.Justification,
		}
		a.CanceledDispatches = append(a.CanceledDispatches, canceled)
		a.Dispatch = nil
		a.AppendHistory(HistoryDispatchCanceled, now, actor)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, a, actor, models.WorklogKanbanEntry{
		Step:           string(canceled.CurrentStep),
		ActionType:     models.ActionDispatchCanceled,
		PreviousStatus: canceled.DealershipID,
		Description:    in.Reason,
	})
	s.notify(ctx, integration.EventDispatchCanceled, a, canceled.DealershipID)
	return a, nil
}

// AddStep appends a non-default step to the active dispatch.
func (s *Service) AddStep(ctx context.Context, id string, name models.StepName, assignee string, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("add_step", err) }()

	a, err = s.mutate(ctx, id, func(a *models.Assistance, now time.Time) error {
		if a.IsFinished() {
			return apperr.ErrAssistanceAlreadyFinished
		}
		if a.Dispatch == nil {
			return apperr.ErrNoDispatchForAssistance
		}
		if !name.Valid() {
			return apperr.ErrOccurrenceStepInvalid.WithMessage("unknown dispatch step %q", name)
		}
		step := models.NewStep(name, false, now)
		step.Assignee = assignee
		a.Dispatch.Steps = append(a.Dispatch.Steps, step)
		a.AppendHistory(HistoryStepAdded+" "+string(name), now, actor)
		return nil
	})
	return a, err
}

// AdvanceStep marks the first open step called name as done.
func (s *Service) AdvanceStep(ctx context.Context, id string, name models.StepName, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("advance_step", err) }()

	var previous models.StepName
	a, err = s.mutate(ctx, id, func(a *models.Assistance, now time.Time) error {
		if a.IsFinished() {
			return apperr.ErrOccurrenceStepAlreadyFinished
		}
		d := a.Dispatch
		if d == nil {
			return apperr.ErrNoDispatchForAssistance
		}
		if !name.Valid() {
			return apperr.ErrOccurrenceStepInvalid.WithMessage("unknown dispatch step %q", name)
		}
		if !d.HasStep(name) {
			return apperr.ErrOccurrenceStepNotFound
		}
		step := d.OpenStep(name)
		if step == nil {
			if d.CurrentStep == name {
				return apperr.ErrOccurrenceStepSame
			}
			return apperr.ErrOccurrenceStepAlreadyFinished
		}
		step.Done = true
		step.UpdateAt = now
		if actor.UserID != "" {
			step.Assignee = actor.UserID
		}
		previous = d.CurrentStep
		d.CurrentStep = name
		a.AppendHistory(HistoryStepAdvanced+" "+string(name), now, actor)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, a, actor, models.WorklogKanbanEntry{
		Step:           string(name),
		PreviousStatus: string(previous),
		NewStatus:      string(name),
		ActionType:     models.ActionStepChange,
		Description:    "step " + string(name) + " done",
	})
	return a, nil
}

// CloseOccurrence finishes the case once every dispatch step is done. It is
// the only path to the terminal state.
func (s *Service) CloseOccurrence(ctx context.Context, id string, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("close_occurrence", err) }()

	a, err = s.mutate(ctx, id, func(a *models.Assistance, now time.Time) error {
		if a.IsFinished() {
			return apperr.ErrAssistanceAlreadyFinished
		}
		if a.Dispatch == nil {
			return apperr.ErrNoDispatchForAssistance
		}
		if !a.Dispatch.AllDone() {
			return apperr.ErrCurrentStepMustBeLast
		}
		finished := now
		a.FinishedAt = &finished
		a.SetState(models.StateFinished)
		a.AppendHistory(HistoryOccurrenceClosed, now, actor)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, a, actor, models.WorklogKanbanEntry{
		Step:           string(a.Dispatch.CurrentStep),
		PreviousStatus: string(models.StateInProgress),
		NewStatus:      string(models.StateFinished),
		ActionType:     models.ActionOccurrenceClosed,
		Description:    "occurrence closed",
	})
	s.notify(ctx, integration.EventOccurrenceClosed, a, a.Dispatch.DealershipID)
	return a, nil
}

// InitiateRefund starts settlement on the active dispatch. Closed cases may
// still be refunded.
func (s *Service) InitiateRefund(ctx context.Context, id, payer string, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("initiate_refund", err) }()

	if strings.TrimSpace(payer) == "" {
		return nil, apperr.ErrAssistanceInvalid.WithMessage("payer is required")
	}
	current, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Dispatch == nil {
		return nil, apperr.ErrNoDispatchForAssistance
	}
	if current.Dispatch.Refund != nil {
		return nil, apperr.ErrRefundAlreadyExists
	}
	protocol, err := s.sequences.Next(ctx, RefundSequence, SequenceMax)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, id, func(a *models.Assistance, now time.Time) error {
		if a.Dispatch == nil {
			return apperr.ErrNoDispatchForAssistance
		}
		if a.Dispatch.Refund != nil {
			return apperr.ErrRefundAlreadyExists
		}
		a.Dispatch.Refund = &models.Refund{Protocol: protocol, Payer: payer, CreatedAt: now}
		a.AppendHistory(HistoryRefundInitiated, now, actor)
		return nil
	})
}

// ReleasePayment flags the refund of the active dispatch as released.
func (s *Service) ReleasePayment(ctx context.Context, id string, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("release_payment", err) }()

	return s.mutate(ctx, id, func(a *models.Assistance, now time.Time) error {
		if a.Dispatch == nil {
			return apperr.ErrNoDispatchForAssistance
		}
		if a.Dispatch.Refund == nil {
			return apperr.ErrRefundNotFound
		}
		a.Dispatch.Refund.ReleasePayment = true
		a.AppendHistory(HistoryPaymentReleased, now, actor)
		return nil
	})
}

// OpenTicket creates a support ticket for the case. A case keeps the first
// ticket it gets; later calls return it unchanged.
func (s *Service) OpenTicket(ctx context.Context, id string, actor models.Actor) (a *models.Assistance, err error) {
	defer func() { s.observe("open_ticket", err) }()

	if s.ticketing == nil {
		return nil, apperr.ErrIntegrationUnavailable.WithMessage("ticketing is not configured")
	}
	current, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.TicketNumber != "" {
		return current, nil
	}

	req := integration.TicketRequest{
		AssistanceID: current.ID,
		Number:       current.Number,
		Chassis:      current.Chassis,
		Plate:        current.Vehicle.Plate,
		Model:        current.Vehicle.Model,
		CustomerID:   current.CustomerAccountID,
		Subject:      current.Occurrence.Subject,
		Description:  current.Occurrence.MainComplaint,
		Priority:     current.Priority,
	}
	if s.assets != nil {
		asset, err := s.assets.FindByChassis(ctx, current.Chassis)
		if err != nil {
			return nil, apperr.ErrIntegrationUnavailable.Wrap(err)
		}
		if asset != nil {
			if asset.Plate != "" {
				req.Plate = asset.Plate
			}
			if asset.Model != "" {
				req.Model = asset.Model
			}
			if req.CustomerID == "" {
				req.CustomerID = asset.AccountID
			}
		}
	}

	ticket, err := s.ticketing.CreateTicket(ctx, req)
	if err != nil {
		return nil, apperr.ErrIntegrationUnavailable.Wrap(err)
	}

	return s.mutate(ctx, id, func(a *models.Assistance, now time.Time) error {
		if a.TicketNumber != "" {
			return nil
		}
		a.TicketNumber = ticket
		a.AppendHistory(HistoryTicketOpened+" "+ticket, now, actor)
		return nil
	})
}

func currentStep(a *models.Assistance) models.StepName {
	if a.Dispatch == nil {
		return ""
	}
	return a.Dispatch.CurrentStep
}
