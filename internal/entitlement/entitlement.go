package entitlement

import (
	"context"
	"net/http"

	"privatrengoering.dk/cloud/internal/auth"
	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/internal/logger"
	"privatrengoering.dk/cloud/models"
	"privatrengoering.dk/cloud/storage"
)

// IsEntitled reports whether user may use subscriber-only features. Only an
// active subscription grants access; past_due users lose it immediately.
func IsEntitled(user *models.User) bool {
	return user != nil && user.Status() == models.StatusActive
}

// Gate evaluates entitlement against the store on every request, so a
// status change from a webhook takes effect on the next call.
type Gate struct {
	store storage.Storage
}

func NewGate(store storage.Storage) *Gate {
	return &Gate{store: store}
}

// Check loads the user and returns ErrNotEntitled unless they are active.
func (g *Gate) Check(ctx context.Context, userID string) (*models.User, error) {
	user, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return nil, ierr.WithError(err).
			WithMessage("load user for entitlement check").
			Mark(ierr.ErrSystem)
	}
	if !IsEntitled(user) {
		return user, ierr.NewError("no active subscription").
			WithHint("Denne funktion kræver et aktivt abonnement").
			Mark(ierr.ErrNotEntitled)
	}
	return user, nil
}

// Middleware must run after auth.Middleware.
func (g *Gate) Middleware(onError auth.ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				onError(w, r, ierr.NewError("no claims on request").
					WithHint("Mangler adgangstoken").
					Mark(ierr.ErrUnauthenticated))
				return
			}
			if _, err := g.Check(r.Context(), claims.UserID); err != nil {
				logger.Debug("Feature gate denied request", map[string]interface{}{
					"user_id": claims.UserID,
					"path":    r.URL.Path,
				})
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
