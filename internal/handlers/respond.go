package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-assistance/internal/apperr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Number  int    `json:"number,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps an error kind to its HTTP status.
func statusOf(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err without its cause chain. Transient and unclassified
// errors are logged with the full chain.
func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		logger.WithError(err).Error("Unhandled error")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: "INTERNAL", Message: "internal error"})
		return
	}
	if ae.Kind == apperr.KindTransient {
		logger.WithError(err).WithField("code", ae.Code).Error("Transient failure")
	}
	writeJSON(w, statusOf(ae.Kind), ErrorResponse{Code: ae.Code, Number: ae.Number, Message: ae.Message})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.ErrAssistanceInvalid.WithMessage("invalid JSON body")
	}
	return nil
}
