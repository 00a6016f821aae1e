package billing

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v82"

	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/internal/logger"
)

// OpenPortal opens the hosted self-service portal for an existing billing
// customer. Plan changes made there arrive later as webhook events.
func (s *Service) OpenPortal(ctx context.Context, billingCustomerID, returnURL string) (string, error) {
	billingCustomerID = strings.TrimSpace(billingCustomerID)
	if billingCustomerID == "" {
		return "", ierr.NewError("billing customer id is required").
			WithHint("customerId er påkrævet").
			Mark(ierr.ErrInvalidArgument)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer: stripe.String(billingCustomerID),
	}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}

	session, err := s.gateway.CreatePortalSession(ctx, params)
	if err != nil {
		logger.Error("Failed to create portal session", map[string]interface{}{
			"error":              err.Error(),
			"stripe_customer_id": billingCustomerID,
		})
		s.metrics.Session("portal", "failed")
		return "", upstreamError(err, "create portal session")
	}

	logger.Info("Portal session created", map[string]interface{}{
		"stripe_customer_id": billingCustomerID,
	})
	s.metrics.Session("portal", "created")
	return session.URL, nil
}
