package handlers

import (
	"net/http"

	"github.com/ukydev/fleet-assistance/internal/middleware"
	"github.com/ukydev/fleet-assistance/internal/models"
)

// MeResponse describes the authenticated caller.
type MeResponse struct {
	UserID       string       `json:"user_id"`
	Username     string       `json:"username"`
	AccountID    string       `json:"account_id"`
	DealershipID string       `json:"dealership_id,omitempty"`
	Role         models.Role  `json:"role"`
	ExpiresAt    int64        `json:"expires_at"`
	Actor        models.Actor `json:"actor"`
}

// Me returns the claims of the bearer token the request was authenticated with.
func Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		UserID:       claims.UserID,
		Username:     claims.Username,
		AccountID:    claims.AccountID,
		DealershipID: claims.DealershipID,
		Role:         claims.Role,
		ExpiresAt:    claims.Exp,
		Actor:        claims.Actor(),
	})
}
