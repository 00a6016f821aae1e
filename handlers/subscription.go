package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"privatrengoering.dk/cloud/internal/auth"
	"privatrengoering.dk/cloud/internal/entitlement"
	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/models"
)

func subscriptionResponse(user *models.User) SubscriptionResponse {
	resp := SubscriptionResponse{
		UserID:            user.ID,
		Status:            user.Status(),
		Entitled:          entitlement.IsEntitled(user),
		BillingCustomerID: user.BillingCustomerID,
	}
	if user.LastEventAt != nil {
		resp.LastEventAt = user.LastEventAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) lookupUser(w http.ResponseWriter, r *http.Request, id string) *models.User {
	user, err := s.storage.GetUser(r.Context(), id)
	if err != nil {
		writeErrorResponse(w, r, ierr.WithError(err).WithMessage("load user").Mark(ierr.ErrSystem))
		return nil
	}
	if user == nil {
		writeErrorResponse(w, r, ierr.NewError("user not found").
			WithHint("Brugeren findes ikke").
			Mark(ierr.ErrNotFound))
		return nil
	}
	return user
}

// GetSubscription reports the caller's own entitlement. Users the store has
// never seen are reported as having no subscription.
func (s *Server) GetSubscription(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	user, err := s.storage.GetUser(r.Context(), claims.UserID)
	if err != nil {
		writeErrorResponse(w, r, ierr.WithError(err).WithMessage("load user").Mark(ierr.ErrSystem))
		return
	}
	if user == nil {
		user = &models.User{ID: claims.UserID}
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(user))
}

// PremiumPing is the reference subscriber-only route behind the feature gate.
func (s *Server) PremiumPing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) AdminGetSubscription(w http.ResponseWriter, r *http.Request) {
	user := s.lookupUser(w, r, chi.URLParam(r, "id"))
	if user == nil {
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(user))
}
