package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/integration"
	"github.com/ukydev/fleet-assistance/internal/metrics"
	"github.com/ukydev/fleet-assistance/internal/models"
	"github.com/ukydev/fleet-assistance/internal/pagination"
	"github.com/ukydev/fleet-assistance/internal/routing"
	"github.com/ukydev/fleet-assistance/internal/sequence"
	"github.com/ukydev/fleet-assistance/internal/worklog"
)

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now moves the clock one second forward on every call.
func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	svc      *Service
	store    *memStore
	worklog  *memWorklog
	notifier *recordingNotifier
	registry *prometheus.Registry
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	f := &fixture{
		store:    newMemStore(),
		worklog:  &memWorklog{},
		notifier: &recordingNotifier{},
		registry: reg,
	}
	clock := &tickClock{now: time.Date(2024, 5, 17, 8, 0, 0, 0, time.UTC)}
	deps := Deps{
		Store:     f.store,
		Worklog:   f.worklog,
		Sequences: sequence.NewGenerator(newMemCounter(), rec, nil),
		Notifier:  f.notifier,
		Metrics:   rec,
		Now:       clock.Now,
	}
	for _, o := range opts {
		o(&deps)
	}
	f.svc = NewService(deps)
	return f
}

var operator = models.Actor{AccountID: "acc-1", UserID: "op-1"}

func newInput(chassis string) CreateInput {
	return CreateInput{
		Chassis:           chassis,
		CustomerAccountID: "cust-1",
		Vehicle:           models.VehicleInfo{Plate: "ABC1D23", Model: "FH 540", Year: 2021},
		Occurrence: models.Occurrence{
			Type:          models.OccurrenceBreakdown,
			Subject:       "Engine stopped",
			MainComplaint: "Truck lost power on the highway",
		},
	}
}

func (f *fixture) create(t *testing.T, chassis string) *models.Assistance {
	t.Helper()
	a, err := f.svc.Create(context.Background(), newInput(chassis), operator)
	require.NoError(t, err)
	return a
}

func (f *fixture) assign(t *testing.T, id, dealership string) *models.Assistance {
	t.Helper()
	a, err := f.svc.AssignDispatch(context.Background(), id, AssignInput{
		DealershipID: dealership,
		Location:     models.Location{City: "Curitiba", State: "PR", Lat: -25.43, Lon: -49.27},
	}, operator)
	require.NoError(t, err)
	return a
}

func (f *fixture) advanceAll(t *testing.T, id string) {
	t.Helper()
	for _, step := range models.StepOrder {
		_, err := f.svc.AdvanceStep(context.Background(), id, step, operator)
		require.NoError(t, err, step)
	}
}

func TestService_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, "9BWZZZ377VT004251")
	assert.Equal(t, int64(1), a.Number)
	assert.Equal(t, models.StateInProgress, a.State)
	assert.Equal(t, 3, a.Priority)
	require.Len(t, a.History, 1)
	assert.Equal(t, HistoryCreated, a.History[0].Description)
	assert.Equal(t, models.SortKey(models.StateInProgress, a.CreatedAt), a.StateCreatedAt)

	a = f.assign(t, a.ID, "D1")
	require.NotNil(t, a.Dispatch)
	require.Len(t, a.Dispatch.Steps, 6)
	for i, s := range a.Dispatch.Steps {
		assert.Equal(t, models.StepOrder[i], s.Name)
		assert.False(t, s.Done)
		assert.True(t, s.IsDefault)
	}

	f.advanceAll(t, a.ID)

	closed, err := f.svc.CloseOccurrence(ctx, a.ID, operator)
	require.NoError(t, err)
	require.NotNil(t, closed.FinishedAt)
	assert.Equal(t, models.StateFinished, closed.State)
	assert.Equal(t, models.SortKey(models.StateFinished, closed.CreatedAt), closed.StateCreatedAt)

	_, err = f.svc.AdvanceStep(ctx, a.ID, models.StepRepairConfirmed, operator)
	assert.ErrorIs(t, err, apperr.ErrOccurrenceStepAlreadyFinished)

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, stored.State)
	assert.Equal(t, stored.StateCreatedAt, models.SortKey(stored.State, stored.CreatedAt))
	assert.Equal(t, int64(8), stored.Version)

	actions := f.worklog.actions()
	require.Len(t, actions, 8)
	assert.Equal(t, models.ActionDispatchAssigned, actions[0])
	assert.Equal(t, models.ActionOccurrenceClosed, actions[7])
	assert.Equal(t, []string{"DISPATCH_ASSIGNED@D1", "OCCURRENCE_CLOSED@D1"}, f.notifier.names())

	// a finished case frees the chassis
	again := f.create(t, "9BWZZZ377VT004251")
	assert.Equal(t, int64(2), again.Number)
}

func TestService_StepChangeWorklog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "CH-1")
	f.assign(t, a.ID, "D1")

	_, err := f.svc.AdvanceStep(ctx, a.ID, models.StepMechanicAssignment, operator)
	require.NoError(t, err)
	_, err = f.svc.AdvanceStep(ctx, a.ID, models.StepInTransit, operator)
	require.NoError(t, err)

	entries, err := f.svc.Worklog(ctx, worklog.Filter{OccurrenceUUID: a.ID, Step: string(models.StepInTransit)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, models.ActionStepChange, e.ActionType)
	assert.Equal(t, string(models.StepMechanicAssignment), e.PreviousStatus)
	assert.Equal(t, string(models.StepInTransit), e.NewStatus)
	assert.Equal(t, a.Number, e.OccurrenceID)
	assert.Equal(t, "op-1", e.UserID)
}

func TestService_CreateRejectsSecondActiveCase(t *testing.T) {
	f := newFixture(t)
	f.create(t, "CH-1")

	_, err := f.svc.Create(context.Background(), newInput("CH-1"), operator)
	assert.ErrorIs(t, err, apperr.ErrAssistanceInProgressAlreadyExists)

	in := newInput("CH-2")
	in.TowerAssetID = "tower-9"
	_, err = f.svc.Create(context.Background(), in, operator)
	require.NoError(t, err)

	in = newInput("CH-3")
	in.TowerAssetID = "tower-9"
	_, err = f.svc.Create(context.Background(), in, operator)
	assert.ErrorIs(t, err, apperr.ErrAssistanceInProgressAlreadyExists)
}

func TestService_CreateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"blank chassis", func(in *CreateInput) { in.Chassis = "  " }},
		{"missing occurrence type", func(in *CreateInput) { in.Occurrence.Type = "" }},
		{"priority out of range", func(in *CreateInput) { in.Priority = 9 }},
		{"customer request too long", func(in *CreateInput) { in.Occurrence.CustomerRequest = strings.Repeat("x", 201) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newInput("CH-V")
			tt.mutate(&in)
			_, err := f.svc.Create(context.Background(), in, operator)
			assert.ErrorIs(t, err, apperr.ErrAssistanceInvalid)
		})
	}
	assert.Empty(t, f.store.docs)
}

func TestService_DispatchPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "CH-1")

	_, err := f.svc.AdvanceStep(ctx, a.ID, models.StepInTransit, operator)
	assert.ErrorIs(t, err, apperr.ErrNoDispatchForAssistance)
	_, err = f.svc.CancelDispatch(ctx, a.ID, CancelInput{Reason: "wrong dealer"}, operator)
	assert.ErrorIs(t, err, apperr.ErrNoDispatchForAssistance)
	_, err = f.svc.CloseOccurrence(ctx, a.ID, operator)
	assert.ErrorIs(t, err, apperr.ErrNoDispatchForAssistance)

	f.assign(t, a.ID, "D1")
	_, err = f.svc.AssignDispatch(ctx, a.ID, AssignInput{DealershipID: "D2"}, operator)
	assert.ErrorIs(t, err, apperr.ErrDispatchAlreadyExists)

	_, err = f.svc.AssignDispatch(ctx, "missing", AssignInput{DealershipID: "D2"}, operator)
	assert.ErrorIs(t, err, apperr.ErrAssistanceNotFound)
}

func TestService_CloseNeedsEveryStepDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "CH-1")
	f.assign(t, a.ID, "D1")

	for _, step := range models.StepOrder[1:] {
		_, err := f.svc.AdvanceStep(ctx, a.ID, step, operator)
		require.NoError(t, err)
	}
	before, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)

	_, err = f.svc.CloseOccurrence(ctx, a.ID, operator)
	assert.ErrorIs(t, err, apperr.ErrCurrentStepMustBeLast)

	after, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Nil(t, after.FinishedAt)
	assert.Equal(t, models.StateInProgress, after.State)

	_, err = f.svc.AdvanceStep(ctx, a.ID, models.StepMechanicAssignment, operator)
	require.NoError(t, err)
	_, err = f.svc.CloseOccurrence(ctx, a.ID, operator)
	require.NoError(t, err)

	_, err = f.svc.CloseOccurrence(ctx, a.ID, operator)
	assert.ErrorIs(t, err, apperr.ErrAssistanceAlreadyFinished)
}

func TestService_AdvanceStepErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "CH-1")
	f.assign(t, a.ID, "D1")

	_, err := f.svc.AdvanceStep(ctx, a.ID, "TELEPORTED", operator)
	assert.ErrorIs(t, err, apperr.ErrOccurrenceStepInvalid)

	_, err = f.svc.AdvanceStep(ctx, a.ID, models.StepMechanicAssignment, operator)
	require.NoError(t, err)
	_, err = f.svc.AdvanceStep(ctx, a.ID, models.StepInTransit, operator)
	require.NoError(t, err)

	_, err = f.svc.AdvanceStep(ctx, a.ID, models.StepInTransit, operator)
	assert.ErrorIs(t, err, apperr.ErrOccurrenceStepSame)

	_, err = f.svc.AdvanceStep(ctx, a.ID, models.StepMechanicAssignment, operator)
	assert.ErrorIs(t, err, apperr.ErrOccurrenceStepAlreadyFinished)

	// an added step of the same name can be advanced again
	got, err := f.svc.AddStep(ctx, a.ID, models.StepInTransit, "mech-7", operator)
	require.NoError(t, err)
	require.Len(t, got.Dispatch.Steps, 7)
	assert.False(t, got.Dispatch.Steps[6].IsDefault)
	assert.Equal(t, "mech-7", got.Dispatch.Steps[6].Assignee)

	got, err = f.svc.AdvanceStep(ctx, a.ID, models.StepInTransit, operator)
	require.NoError(t, err)
	assert.True(t, got.Dispatch.Steps[6].Done)

	_, err = f.svc.AddStep(ctx, a.ID, "TELEPORTED", "", operator)
	assert.ErrorIs(t, err, apperr.ErrOccurrenceStepInvalid)
}

func TestService_CancelAndReassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "CH-1")
	f.assign(t, a.ID, "D1")
	_, err := f.svc.AdvanceStep(ctx, a.ID, models.StepMechanicAssignment, operator)
	require.NoError(t, err)

	got, err := f.svc.CancelDispatch(ctx, a.ID, CancelInput{Reason: "NO_MECHANIC", Justification: "no one on duty"}, operator)
	require.NoError(t, err)
	assert.Nil(t, got.Dispatch)
	require.Len(t, got.CanceledDispatches, 1)
	c := got.CanceledDispatches[0]
	assert.Equal(t, "D1", c.DealershipID)
	require.NotNil(t, c.Cancellation)
	assert.Equal(t, "NO_MECHANIC", c.Cancellation.Reason)
	assert.Equal(t, "no one on duty", c.Cancellation.Justification)

	got = f.assign(t, a.ID, "D2")
	assert.Equal(t, "D2", got.Dispatch.DealershipID)
	for _, s := range got.Dispatch.Steps {
		assert.False(t, s.Done)
	}
	assert.Equal(t, []string{"DISPATCH_ASSIGNED@D1", "DISPATCH_CANCELED@D1", "DISPATCH_ASSIGNED@D2"}, f.notifier.names())

	_, err = f.svc.CancelDispatch(ctx, a.ID, CancelInput{}, operator)
	assert.ErrorIs(t, err, apperr.ErrAssistanceInvalid)
}

func TestService_UpdateOccurrence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "CH-1")

	diagnosis := "alternator failure"
	codes := []string{"P0562"}
	weight := 1350.5
	priority := 1
	got, err := f.svc.UpdateOccurrence(ctx, a.ID, OccurrencePatch{
		Diagnosis:  &diagnosis,
		FaultCodes: &codes,
		LoadWeight: &weight,
		Priority:   &priority,
		Subject:    &a.Occurrence.Subject,
	}, operator)
	require.NoError(t, err)
	assert.Equal(t, diagnosis, got.Occurrence.Diagnosis)
	assert.Equal(t, 1, got.Priority)

	require.Len(t, f.worklog.entries, 1)
	e := f.worklog.entries[0]
	assert.Equal(t, models.ActionFieldChange, e.ActionType)
	fields := map[string]models.ValueType{}
	for _, fc := range e.Fields {
		fields[fc.FieldName] = fc.ValueType
	}
	assert.Equal(t, map[string]models.ValueType{
		"diagnosis":   models.ValueString,
		"fault_codes": models.ValueList,
		"load_weight": models.ValueNumber,
		"priority":    models.ValueNumber,
	}, fields)

	_, err = f.svc.UpdateOccurrence(ctx, a.ID, OccurrencePatch{Diagnosis: &diagnosis}, operator)
	assert.ErrorIs(t, err, apperr.ErrOccurrenceNoChanges)

	long := strings.Repeat("d", 1001)
	_, err = f.svc.UpdateOccurrence(ctx, a.ID, OccurrencePatch{Diagnosis: &long}, operator)
	assert.ErrorIs(t, err, apperr.ErrAssistanceInvalid)

	f.assign(t, a.ID, "D1")
	f.advanceAll(t, a.ID)
	_, err = f.svc.CloseOccurrence(ctx, a.ID, operator)
	require.NoError(t, err)

	solution := "replaced alternator"
	_, err = f.svc.UpdateOccurrence(ctx, a.ID, OccurrencePatch{Solution: &solution}, operator)
	assert.ErrorIs(t, err, apperr.ErrAssistanceAlreadyFinished)
}

func TestService_Refund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "CH-1")

	_, err := f.svc.InitiateRefund(ctx, a.ID, "customer", operator)
	assert.ErrorIs(t, err, apperr.ErrNoDispatchForAssistance)

	f.assign(t, a.ID, "D1")
	_, err = f.svc.ReleasePayment(ctx, a.ID, operator)
	assert.ErrorIs(t, err, apperr.ErrRefundNotFound)

	_, err = f.svc.InitiateRefund(ctx, a.ID, "", operator)
	assert.ErrorIs(t, err, apperr.ErrAssistanceInvalid)

	got, err := f.svc.InitiateRefund(ctx, a.ID, "customer", operator)
	require.NoError(t, err)
	require.NotNil(t, got.Dispatch.Refund)
	assert.Equal(t, int64(1), got.Dispatch.Refund.Protocol)
	assert.False(t, got.Dispatch.Refund.ReleasePayment)

	_, err = f.svc.InitiateRefund(ctx, a.ID, "customer", operator)
	assert.ErrorIs(t, err, apperr.ErrRefundAlreadyExists)

	got, err = f.svc.ReleasePayment(ctx, a.ID, operator)
	require.NoError(t, err)
	assert.True(t, got.Dispatch.Refund.ReleasePayment)
}

func TestService_PaginatesByState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var created []string
	for i := 0; i < 5; i++ {
		created = append(created, f.create(t, fmt.Sprintf("CH-%d", i)).ID)
	}

	req := pagination.Request{Limit: 2}
	var seen []string
	var sizes []int
	for {
		page, err := f.svc.ListByState(ctx, models.StateInProgress, req)
		require.NoError(t, err)
		sizes = append(sizes, len(page.Items))
		for _, a := range page.Items {
			seen = append(seen, a.ID)
		}
		if page.NextCursor == "" {
			break
		}
		req.Cursor = page.NextCursor
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, created, seen, "oldest first by default")

	page, err := f.svc.ListByState(ctx, models.StateInProgress, pagination.Request{Limit: 2, Order: pagination.OrderDesc})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, created[4], page.Items[0].ID)
}

func TestService_ListByChassisNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		a := f.create(t, "CH-1")
		ids = append(ids, a.ID)
		f.assign(t, a.ID, "D1")
		f.advanceAll(t, a.ID)
		_, err := f.svc.CloseOccurrence(ctx, a.ID, operator)
		require.NoError(t, err)
	}
	f.create(t, "CH-2")

	page, err := f.svc.ListByChassis(ctx, "CH-1", pagination.Request{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID)
	assert.Equal(t, ids[1], page.Items[1].ID)
	require.NotEmpty(t, page.NextCursor)

	page, err = f.svc.ListByChassis(ctx, "CH-1", pagination.Request{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)
	assert.Empty(t, page.NextCursor)

	finished, err := f.svc.ListByStateAndDate(ctx, models.StateFinished, "2024-05-17", pagination.Request{})
	require.NoError(t, err)
	assert.Len(t, finished.Items, 3)

	none, err := f.svc.ListByStateAndDate(ctx, models.StateFinished, "2023", pagination.Request{})
	require.NoError(t, err)
	assert.NotNil(t, none.Items)
	assert.Empty(t, none.Items)

	byType, err := f.svc.ListByOccurrenceType(ctx, models.OccurrenceBreakdown, models.StateInProgress, "", pagination.Request{})
	require.NoError(t, err)
	require.Len(t, byType.Items, 1)
	assert.Equal(t, "CH-2", byType.Items[0].Chassis)
}

func TestService_ListValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ListByChassis(ctx, " ", pagination.Request{})
	assert.ErrorIs(t, err, apperr.ErrInvalidQuery)

	_, err = f.svc.ListByStateAndDate(ctx, models.StateInProgress, "17/05/2024", pagination.Request{})
	assert.ErrorIs(t, err, apperr.ErrInvalidQuery)

	_, err = f.svc.ListByState(ctx, "in progress", pagination.Request{})
	assert.ErrorIs(t, err, apperr.ErrInvalidQuery)

	_, err = f.svc.ListByState(ctx, models.StateInProgress, pagination.Request{Cursor: "not-a-cursor"})
	assert.ErrorIs(t, err, apperr.ErrInvalidCursor)

	_, err = f.svc.ListByOccurrenceType(ctx, "", "", "", pagination.Request{})
	assert.ErrorIs(t, err, apperr.ErrInvalidQuery)
}

func TestService_TowerAssetAndChassisBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := newInput("CH-1")
	in.TowerAssetID = "tower-1"
	a, err := f.svc.Create(ctx, in, operator)
	require.NoError(t, err)
	b := f.create(t, "CH-2")

	got, err := f.svc.FindActiveByTowerAsset(ctx, "tower-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = f.svc.FindActiveByTowerAsset(ctx, "tower-2")
	assert.ErrorIs(t, err, apperr.ErrAssistanceNotFound)

	list, err := f.svc.FindByChassisList(ctx, []string{"CH-2", "", "CH-9", "CH-1", "CH-2"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}

type fakeAssets struct{ asset *integration.Asset }

func (f fakeAssets) FindByChassis(context.Context, string) (*integration.Asset, error) {
	return f.asset, nil
}

type fakeTicketing struct {
	mu    sync.Mutex
	calls []integration.TicketRequest
	err   error
}

func (f *fakeTicketing) CreateTicket(_ context.Context, req integration.TicketRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("TK-%06d", req.Number), nil
}

func TestService_OpenTicket(t *testing.T) {
	tickets := &fakeTicketing{}
	f := newFixture(t, func(d *Deps) {
		d.Assets = fakeAssets{asset: &integration.Asset{Plate: "XYZ9K88", Model: "FH 460", AccountID: "acct-9"}}
		d.Ticketing = tickets
	})
	ctx := context.Background()
	a := f.create(t, "CH-1")

	got, err := f.svc.OpenTicket(ctx, a.ID, operator)
	require.NoError(t, err)
	assert.Equal(t, "TK-000001", got.TicketNumber)
	require.Len(t, tickets.calls, 1)
	assert.Equal(t, "XYZ9K88", tickets.calls[0].Plate)
	assert.Equal(t, "cust-1", tickets.calls[0].CustomerID)

	got, err = f.svc.OpenTicket(ctx, a.ID, operator)
	require.NoError(t, err)
	assert.Equal(t, "TK-000001", got.TicketNumber)
	assert.Len(t, tickets.calls, 1)
}

func TestService_OpenTicketFailure(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Ticketing = &fakeTicketing{err: errors.New("503 maintenance")}
	})
	a := f.create(t, "CH-1")

	_, err := f.svc.OpenTicket(context.Background(), a.ID, operator)
	assert.ErrorIs(t, err, apperr.ErrIntegrationUnavailable)
	assert.True(t, apperr.IsTransient(err))

	stored, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.TicketNumber)

	none := newFixture(t)
	_, err = none.svc.OpenTicket(context.Background(), a.ID, operator)
	assert.ErrorIs(t, err, apperr.ErrIntegrationUnavailable)
}

func TestService_WorklogFailureDoesNotFailCommand(t *testing.T) {
	f := newFixture(t)
	f.worklog.err = errors.New("disk full")
	a := f.create(t, "CH-1")

	got := f.assign(t, a.ID, "D1")
	assert.NotNil(t, got.Dispatch)

	expected := `
# HELP worklog_append_failures_total Worklog entries lost after the aggregate write succeeded
# TYPE worklog_append_failures_total counter
worklog_append_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected), "worklog_append_failures_total"))
}

func TestService_OperationMetrics(t *testing.T) {
	f := newFixture(t)
	f.create(t, "CH-1")
	_, err := f.svc.Create(context.Background(), newInput("CH-1"), operator)
	require.Error(t, err)

	expected := `
# HELP assistance_operations_total Engine operations by outcome (ok or error code)
# TYPE assistance_operations_total counter
assistance_operations_total{operation="create",outcome="ASSISTANCE_IN_PROGRESS_ALREADY_EXISTS"} 1
assistance_operations_total{operation="create",outcome="ok"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected), "assistance_operations_total"))
}

func TestService_StorageErrorsPassThrough(t *testing.T) {
	store := &MockStore{}
	svc := NewService(Deps{Store: store, Sequences: sequence.NewGenerator(newMemCounter(), nil, nil)})
	ctx := context.Background()

	store.On("FindByID", mock.Anything, "a-1").Return(nil, apperr.Transient(errors.New("server selection timeout"))).Once()
	_, err := svc.AdvanceStep(ctx, "a-1", models.StepInTransit, operator)
	assert.ErrorIs(t, err, apperr.ErrTryAgain)

	a := &models.Assistance{ID: "a-2", Chassis: "CH", Version: 4}
	a.SetState(models.StateInProgress)
	store.On("FindByID", mock.Anything, "a-2").Return(a, nil).Once()
	store.On("Replace", mock.Anything, mock.AnythingOfType("*models.Assistance"), int64(4)).Return(apperr.ErrConcurrentUpdate).Once()
	_, err = svc.AssignDispatch(ctx, "a-2", AssignInput{DealershipID: "D1"}, operator)
	assert.ErrorIs(t, err, apperr.ErrConcurrentUpdate)

	store.AssertExpectations(t)
}

func TestService_ReadsUseReplica(t *testing.T) {
	store := &MockStore{}
	svc := NewService(Deps{Store: store})

	a := &models.Assistance{ID: "a-1"}
	store.On("FindByID", mock.MatchedBy(func(ctx context.Context) bool {
		return routing.TargetFrom(ctx) == routing.Replica
	}), "a-1").Return(a, nil).Once()
	store.On("FindByID", mock.MatchedBy(func(ctx context.Context) bool {
		return routing.TargetFrom(ctx) == routing.Primary
	}), "a-1").Return(a, nil).Once()
	store.On("Replace", mock.Anything, a, int64(0)).Return(nil).Once()

	ctx := routing.WithTarget(context.Background(), routing.Replica)
	_, err := svc.Get(context.Background(), "a-1")
	require.NoError(t, err)
	_, err = svc.AssignDispatch(ctx, "a-1", AssignInput{DealershipID: "D1"}, operator)
	require.NoError(t, err)

	store.AssertExpectations(t)
}

func TestService_WorklogOnSQL(t *testing.T) {
	sqlDB, err := worklog.Open(worklog.DriverSQLite, "file:dispatch_worklog?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, worklog.Migrate(context.Background(), sqlDB))
	store := worklog.NewSQLStore(routing.NewSQLRouter(sqlDB, nil))

	f := newFixture(t, func(d *Deps) { d.Worklog = store })
	ctx := context.Background()
	a := f.create(t, "CH-1")
	f.assign(t, a.ID, "D1")
	f.advanceAll(t, a.ID)
	_, err = f.svc.CloseOccurrence(ctx, a.ID, operator)
	require.NoError(t, err)

	trail := worklog.NewTrail(store)
	entries, err := trail.ByOccurrenceUUID(ctx, a.ID, worklog.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 8)
	assert.Equal(t, models.ActionOccurrenceClosed, entries[0].ActionType)
	assert.Equal(t, models.ActionDispatchAssigned, entries[7].ActionType)

	steps, err := trail.ByOccurrenceAndStep(ctx, a.Number, string(models.StepArrivedAtLocation), worklog.Page{})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, string(models.StepInTransit), steps[0].PreviousStatus)
}

func TestService_NextSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		n, err := f.svc.NextSequence(ctx, "ticket", 3)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := f.svc.NextSequence(ctx, "ticket", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.svc.NextSequence(ctx, "", 3)
	assert.ErrorIs(t, err, apperr.ErrSequenceInvalid)
}

func TestService_NextSequenceCannotResetCaseNumbering(t *testing.T) {
	counter := newMemCounter()
	f := newFixture(t, func(d *Deps) { d.Sequences = sequence.NewGenerator(counter, d.Metrics, nil) })
	ctx := context.Background()

	assert.Equal(t, int64(1), f.create(t, "9BW1").Number)
	assert.Equal(t, int64(2), f.create(t, "9BW2").Number)

	for _, name := range []string{AssistanceSequence, " " + AssistanceSequence + " ", RefundSequence} {
		n, err := f.svc.NextSequence(ctx, name, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, name)
	}
	assert.Equal(t, int64(3), f.create(t, "9BW3").Number)

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, int64(3), counter.values[AssistanceSequence])
	assert.Equal(t, int64(1), counter.values[PublicSequenceName(AssistanceSequence)])
	assert.Equal(t, int64(1), counter.values[PublicSequencePrefix+RefundSequence])
}
