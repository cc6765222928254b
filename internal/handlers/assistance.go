package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/dispatch"
	"github.com/ukydev/fleet-assistance/internal/middleware"
	"github.com/ukydev/fleet-assistance/internal/models"
	"github.com/ukydev/fleet-assistance/internal/pagination"
	"github.com/ukydev/fleet-assistance/internal/worklog"
)

// Engine is the part of the dispatch service the HTTP surface exposes.
type Engine interface {
	Create(ctx context.Context, in dispatch.CreateInput, actor models.Actor) (*models.Assistance, error)
	Get(ctx context.Context, id string) (*models.Assistance, error)
	UpdateOccurrence(ctx context.Context, id string, patch dispatch.OccurrencePatch, actor models.Actor) (*models.Assistance, error)
	AssignDispatch(ctx context.Context, id string, in dispatch.AssignInput, actor models.Actor) (*models.Assistance, error)
	CancelDispatch(ctx context.Context, id string, in dispatch.CancelInput, actor models.Actor) (*models.Assistance, error)
	AddStep(ctx context.Context, id string, name models.StepName, assignee string, actor models.Actor) (*models.Assistance, error)
	AdvanceStep(ctx context.Context, id string, name models.StepName, actor models.Actor) (*models.Assistance, error)
	CloseOccurrence(ctx context.Context, id string, actor models.Actor) (*models.Assistance, error)
	InitiateRefund(ctx context.Context, id, payer string, actor models.Actor) (*models.Assistance, error)
	ReleasePayment(ctx context.Context, id string, actor models.Actor) (*models.Assistance, error)
	OpenTicket(ctx context.Context, id string, actor models.Actor) (*models.Assistance, error)

	ListByChassis(ctx context.Context, chassis string, req pagination.Request) (*dispatch.AssistancePage, error)
	ListByStateAndDate(ctx context.Context, state models.State, date string, req pagination.Request) (*dispatch.AssistancePage, error)
	ListByOccurrenceType(ctx context.Context, typ models.OccurrenceType, state models.State, date string, req pagination.Request) (*dispatch.AssistancePage, error)
	FindActiveByTowerAsset(ctx context.Context, assetID string) (*models.Assistance, error)
	FindByChassisList(ctx context.Context, chassis []string) ([]models.Assistance, error)
	Worklog(ctx context.Context, f worklog.Filter) ([]models.WorklogKanbanEntry, error)
	NextSequence(ctx context.Context, name string, max int64) (int64, error)
}

var _ Engine = (*dispatch.Service)(nil)

// AssistanceHandler serves the assistance, worklog and sequence endpoints.
type AssistanceHandler struct {
	engine Engine
	log    *log.Entry
}

func NewAssistanceHandler(engine Engine, logger *log.Entry) *AssistanceHandler {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &AssistanceHandler{engine: engine, log: logger}
}

type mutation func(r *http.Request, id string, actor models.Actor) (*models.Assistance, error)

// mutate adapts an engine command to a handler answering 200 with the case.
func (h *AssistanceHandler) mutate(fn mutation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := fn(r, mux.Vars(r)["id"], middleware.ActorFromContext(r.Context()))
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func (h *AssistanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in dispatch.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}
	a, err := h.engine.Create(r.Context(), in, middleware.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	w.Header().Set("Location", "/api/assistances/"+a.ID)
	writeJSON(w, http.StatusCreated, a)
}

func (h *AssistanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AssistanceHandler) UpdateOccurrence(r *http.Request, id string, actor models.Actor) (*models.Assistance, error) {
	var patch dispatch.OccurrencePatch
	if err := decodeJSON(r, &patch); err != nil {
		return nil, err
	}
	return h.engine.UpdateOccurrence(r.Context(), id, patch, actor)
}

func (h *AssistanceHandler) AssignDispatch(r *http.Request, id string, actor models.Actor) (*models.Assistance, error) {
	var in dispatch.AssignInput
	if err := decodeJSON(r, &in); err != nil {
		return nil, err
	}
	return h.engine.AssignDispatch(r.Context(), id, in, actor)
}

func (h *AssistanceHandler) CancelDispatch(r *http.Request, id string, actor models.Actor) (*models.Assistance, error) {
	var in dispatch.CancelInput
	if err := decodeJSON(r, &in); err != nil {
		return nil, err
	}
	return h.engine.CancelDispatch(r.Context(), id, in, actor)
}

type addStepRequest struct {
	Name     models.StepName `json:"name"`
	Assignee string          `json:"assignee"`
}

func (h *AssistanceHandler) AddStep(r *http.Request, id string, actor models.Actor) (*models.Assistance, error) {
	var in addStepRequest
	if err := decodeJSON(r, &in); err != nil {
		return nil, err
	}
	return h.engine.AddStep(r.Context(), id, in.Name, in.Assignee, actor)
}

func (h *AssistanceHandler) AdvanceStep(r *http.Request, id string, actor models.Actor) (*models.Assistance, error) {
	step := models.StepName(strings.ToUpper(mux.Vars(r)["step"]))
	return h.engine.AdvanceStep(r.Context(), id, step, actor)
}

func (h *AssistanceHandler) Close(r *http.Request, id string, actor models.Actor) (*models.Assistance, error) {
	return h.engine.CloseOccurrence(r.Context(), id, actor)
}

type refundRequest struct {
	Payer string `json:"payer"`
}

func (h *AssistanceHandler) InitiateRefund(r *http.Request, id string, actor models.Actor) (*models.Assistance, error) {
	var in refundRequest
	if err := decodeJSON(r, &in); err != nil {
		return nil, err
	}
	return h.engine.InitiateRefund(r.Context(), id, in.Payer, actor)
}

func (h *AssistanceHandler) ReleasePayment(r *http.Request, id string, actor models.Actor) (*models.Assistance, error) {
	return h.engine.ReleasePayment(r.Context(), id, actor)
}

func (h *AssistanceHandler) OpenTicket(r *http.Request, id string, actor models.Actor) (*models.Assistance, error) {
	return h.engine.OpenTicket(r.Context(), id, actor)
}

// List serves the chassis, occurrence type and state listings.
func (h *AssistanceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := pageRequest(q.Get("limit"), q.Get("cursor"), q.Get("order"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	var page *dispatch.AssistancePage
	state := models.State(strings.ToUpper(q.Get("state")))
	switch {
	case q.Get("chassis") != "":
		page, err = h.engine.ListByChassis(r.Context(), q.Get("chassis"), req)
	case q.Get("type") != "":
		typ := models.OccurrenceType(strings.ToUpper(q.Get("type")))
		page, err = h.engine.ListByOccurrenceType(r.Context(), typ, state, q.Get("date"), req)
	case state != "":
		page, err = h.engine.ListByStateAndDate(r.Context(), state, q.Get("date"), req)
	default:
		err = apperr.ErrInvalidQuery.WithMessage("one of chassis, type or state is required")
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func pageRequest(limit, cursor, order string) (pagination.Request, error) {
	n, err := pagination.ParseLimit(limit)
	if err != nil {
		return pagination.Request{}, err
	}
	o, err := pagination.ParseOrder(order)
	if err != nil {
		return pagination.Request{}, err
	}
	return pagination.Request{Limit: n, Cursor: cursor, Order: o}, nil
}

func (h *AssistanceHandler) ByTowerAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.FindActiveByTowerAsset(r.Context(), mux.Vars(r)["assetId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type chassisBatchRequest struct {
	Chassis []string `json:"chassis"`
}

// MaxChassisBatch bounds the chassis-batch lookup.
const MaxChassisBatch = 200

func (h *AssistanceHandler) ChassisBatch(w http.ResponseWriter, r *http.Request) {
	var in chassisBatchRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}
	if len(in.Chassis) > MaxChassisBatch {
		writeError(w, h.log, apperr.ErrInvalidQuery.WithMessage("at most %d chassis per request", MaxChassisBatch))
		return
	}
	items, err := h.engine.FindByChassisList(r.Context(), in.Chassis)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Worklog serves the audit trail filtered by the query string.
func (h *AssistanceHandler) Worklog(w http.ResponseWriter, r *http.Request) {
	f, err := worklogFilter(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	entries, err := h.engine.Worklog(r.Context(), f)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if entries == nil {
		entries = []models.WorklogKanbanEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func worklogFilter(r *http.Request) (worklog.Filter, error) {
	q := r.URL.Query()
	f := worklog.Filter{
		OccurrenceUUID: q.Get("occurrenceUuid"),
		UserID:         q.Get("userId"),
		Step:           q.Get("step"),
	}
	var err error
	if v := q.Get("occurrenceId"); v != "" {
		if f.OccurrenceID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, apperr.ErrInvalidQuery.WithMessage("occurrenceId must be a number")
		}
	}
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, err
	}
	if f.Page.Limit, err = pagination.ParseLimit(q.Get("limit")); err != nil {
		return f, err
	}
	if v := q.Get("offset"); v != "" {
		if f.Page.Offset, err = strconv.Atoi(v); err != nil || f.Page.Offset < 0 {
			return f, apperr.ErrInvalidQuery.WithMessage("offset must be a positive integer")
		}
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.ErrInvalidQuery.WithMessage("%q is not an RFC 3339 time", v)
	}
	return t, nil
}

// NextSequence issues the next number of the named counter.
func (h *AssistanceHandler) NextSequence(w http.ResponseWriter, r *http.Request) {
	max, err := strconv.ParseInt(r.URL.Query().Get("max"), 10, 64)
	if err != nil {
		writeError(w, h.log, apperr.ErrSequenceInvalid)
		return
	}
	name := mux.Vars(r)["name"]
	n, err := h.engine.NextSequence(r.Context(), name, max)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "value": n})
}
