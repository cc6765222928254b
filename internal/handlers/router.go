package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-assistance/internal/middleware"
)

// RouterOptions wires the HTTP surface. RateLimit and Metrics may be nil.
type RouterOptions struct {
	Engine      Engine
	Auth        *middleware.AuthMiddleware
	RateLimit   *middleware.RateLimitMiddleware
	Metrics     http.Handler
	MetricsPath string
	Logger      *log.Entry
}

// NewRouter registers every route on a gorilla/mux router.
func NewRouter(opts RouterOptions) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	h := NewAssistanceHandler(opts.Engine, logger)

	r := mux.NewRouter()
	r.Use(middleware.Logging(logger))
	if opts.RateLimit != nil {
		r.Use(opts.RateLimit.RateLimit)
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if opts.Metrics != nil && opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, opts.Metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(opts.Auth.Authenticate)

	perm := func(action string, fn http.HandlerFunc) http.Handler {
		return opts.Auth.RequirePermission(action)(fn)
	}

	api.Handle("/auth/me", http.HandlerFunc(Me)).Methods(http.MethodGet)

	api.Handle("/assistances", perm("create_assistance", h.Create)).Methods(http.MethodPost)
	api.Handle("/assistances", perm("view_assistances", h.List)).Methods(http.MethodGet)
	api.Handle("/assistances/chassis-batch", perm("view_assistances", h.ChassisBatch)).Methods(http.MethodPost)
	api.Handle("/assistances/tower/{assetId}", perm("view_assistances", h.ByTowerAsset)).Methods(http.MethodGet)
	api.Handle("/assistances/{id}", perm("view_assistances", h.Get)).Methods(http.MethodGet)

	api.Handle("/assistances/{id}/occurrence", perm("update_occurrence", h.mutate(h.UpdateOccurrence))).Methods(http.MethodPatch)
	api.Handle("/assistances/{id}/dispatch", perm("assign_dispatch", h.mutate(h.AssignDispatch))).Methods(http.MethodPost)
	api.Handle("/assistances/{id}/dispatch", perm("cancel_dispatch", h.mutate(h.CancelDispatch))).Methods(http.MethodDelete)
	api.Handle("/assistances/{id}/dispatch/steps", perm("add_step", h.mutate(h.AddStep))).Methods(http.MethodPost)
	api.Handle("/assistances/{id}/dispatch/steps/{step}/advance", perm("advance_step", h.mutate(h.AdvanceStep))).Methods(http.MethodPost)
	api.Handle("/assistances/{id}/close", perm("close_occurrence", h.mutate(h.Close))).Methods(http.MethodPost)
	api.Handle("/assistances/{id}/refund", perm("manage_refund", h.mutate(h.InitiateRefund))).Methods(http.MethodPost)
	api.Handle("/assistances/{id}/refund/release", perm("manage_refund", h.mutate(h.ReleasePayment))).Methods(http.MethodPost)
	api.Handle("/assistances/{id}/ticket", perm("open_ticket", h.mutate(h.OpenTicket))).Methods(http.MethodPost)

	api.Handle("/worklog", perm("view_worklog", h.Worklog)).Methods(http.MethodGet)
	api.Handle("/sequences/{name}/next", perm("issue_sequence", h.NextSequence)).Methods(http.MethodPost)

	return r
}
