package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v82"

	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/internal/logger"
	"privatrengoering.dk/cloud/storage"
)

type CheckoutRequest struct {
	// UserID and Email are set when the caller presented a valid token.
	UserID            string
	Email             string
	BillingCustomerID string
	PriceID           string
	SuccessURL        string
	CancelURL         string
}

type CheckoutSession struct {
	SessionID         string
	RedirectURL       string
	BillingCustomerID string
	CustomerCreated   bool
}

// StartCheckout opens a hosted subscription checkout, reusing the caller's
// billing customer when one is known and creating one otherwise.
func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if strings.TrimSpace(req.SuccessURL) == "" || strings.TrimSpace(req.CancelURL) == "" {
		return nil, ierr.NewError("success and cancel urls are required").
			WithHint("successUrl og cancelUrl er påkrævet").
			Mark(ierr.ErrInvalidArgument)
	}

	customerID, err := s.checkoutCustomerID(ctx, req)
	if err != nil {
		s.metrics.Session("checkout", "failed")
		return nil, err
	}

	customer, created, err := s.resolveCustomer(ctx, customerID, req)
	if err != nil {
		s.metrics.Session("checkout", "failed")
		return nil, err
	}

	if req.UserID != "" {
		s.linkCustomerEagerly(ctx, req.UserID, customer.ID)
	}

	params := s.checkoutParams(customer.ID, req)
	session, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		logger.Error("Failed to create checkout session", map[string]interface{}{
			"error":              err.Error(),
			"stripe_customer_id": customer.ID,
		})
		s.metrics.Session("checkout", "failed")
		return nil, upstreamError(err, "create checkout session")
	}

	logger.Info("Checkout session created", map[string]interface{}{
		"session_id":         session.ID,
		"stripe_customer_id": customer.ID,
		"user_id":            req.UserID,
		"customer_created":   created,
	})
	s.metrics.Session("checkout", "created")

	return &CheckoutSession{
		SessionID:         session.ID,
		RedirectURL:       session.URL,
		BillingCustomerID: customer.ID,
		CustomerCreated:   created,
	}, nil
}

func (s *Service) resolveCustomer(ctx context.Context, customerID string, req CheckoutRequest) (*stripe.Customer, bool, error) {
	if customerID != "" {
		customer, err := s.gateway.RetrieveCustomer(ctx, customerID)
		if err != nil {
			logger.Error("Failed to retrieve billing customer", map[string]interface{}{
				"error":              err.Error(),
				"stripe_customer_id": customerID,
			})
			return nil, false, upstreamError(err, "retrieve customer")
		}
		if !customer.Deleted {
			return customer, false, nil
		}
		logger.Warn("Billing customer was deleted upstream, creating a new one", map[string]interface{}{
			"stripe_customer_id": customerID,
		})
	}

	params := &stripe.CustomerCreateParams{
		Metadata: map[string]string{"source": CustomerSource},
	}
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.UserID != "" {
		params.Metadata["user_id"] = req.UserID
	}

	customer, err := s.gateway.CreateCustomer(ctx, params)
	if err != nil {
		logger.Error("Failed to create billing customer", map[string]interface{}{
			"error":   err.Error(),
			"user_id": req.UserID,
		})
		return nil, false, upstreamError(err, "create customer")
	}

	logger.Info("Billing customer created", map[string]interface{}{
		"stripe_customer_id": customer.ID,
		"user_id":            req.UserID,
	})
	return customer, true, nil
}

// checkoutCustomerID picks the billing customer to check out with. A signed-in
// user is held to the customer already linked to them.
func (s *Service) checkoutCustomerID(ctx context.Context, req CheckoutRequest) (string, error) {
	requested := strings.TrimSpace(req.BillingCustomerID)
	if req.UserID == "" {
		return requested, nil
	}

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return "", ierr.WithError(err).
			WithMessage("load user for checkout").
			Mark(ierr.ErrSystem)
	}
	if user != nil && user.BillingCustomerID != "" {
		if requested != "" && requested != user.BillingCustomerID {
			logger.Warn("Checkout customer does not match the signed-in user", map[string]interface{}{
				"user_id":            req.UserID,
				"stripe_customer_id": requested,
			})
			return "", customerMismatch(requested)
		}
		return user.BillingCustomerID, nil
	}

	if requested != "" {
		owner, err := s.store.FindUserByBillingCustomer(ctx, requested)
		if err != nil {
			return "", ierr.WithError(err).
				WithMessage("look up billing customer owner").
				Mark(ierr.ErrSystem)
		}
		if owner != nil && owner.ID != req.UserID {
			logger.Warn("Checkout customer belongs to another user", map[string]interface{}{
				"user_id":            req.UserID,
				"stripe_customer_id": requested,
			})
			return "", customerMismatch(requested)
		}
	}
	return requested, nil
}

func customerMismatch(customerID string) error {
	return ierr.NewError("billing customer does not belong to user").
		WithHintf("customerId %s hører ikke til din konto", customerID).
		Mark(ierr.ErrInvalidArgument)
}

// linkCustomerEagerly stores the linkage before payment completes. The
// webhook path links again, so a failure here only costs a log line.
func (s *Service) linkCustomerEagerly(ctx context.Context, userID, customerID string) {
	err := s.store.LinkBillingCustomer(ctx, userID, customerID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrUserNotFound):
		logger.Warn("Checkout for user unknown to the store", map[string]interface{}{
			"user_id":            userID,
			"stripe_customer_id": customerID,
		})
	case errors.Is(err, storage.ErrCustomerMismatch):
		// The stored customer was deleted upstream; checkout.session.completed
		// moves the user over once payment succeeds.
		logger.Info("Keeping existing billing customer until checkout completes", map[string]interface{}{
			"user_id":            userID,
			"stripe_customer_id": customerID,
		})
	default:
		logger.Error("Failed to link billing customer", map[string]interface{}{
			"error":              err.Error(),
			"user_id":            userID,
			"stripe_customer_id": customerID,
		})
	}
}

func (s *Service) checkoutParams(customerID string, req CheckoutRequest) *stripe.CheckoutSessionCreateParams {
	lineItem := &stripe.CheckoutSessionCreateLineItemParams{
		Quantity: stripe.Int64(1),
	}
	if req.PriceID != "" {
		lineItem.Price = stripe.String(req.PriceID)
	} else {
		lineItem.PriceData = &stripe.CheckoutSessionCreateLineItemPriceDataParams{
			Currency: stripe.String(s.cfg.Checkout.Currency),
			ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
				Name: stripe.String(s.cfg.Checkout.ProductName),
			},
			UnitAmount: stripe.Int64(s.cfg.Checkout.UnitAmount),
			Recurring: &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
				Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
			},
		}
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:                     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:                 stripe.String(customerID),
		LineItems:                []*stripe.CheckoutSessionCreateLineItemParams{lineItem},
		AllowPromotionCodes:      stripe.Bool(true),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired)),
		Locale:                   stripe.String(s.cfg.Checkout.Locale),
		SuccessURL:               stripe.String(req.SuccessURL),
		CancelURL:                stripe.String(req.CancelURL),
	}

	if req.UserID != "" {
		params.ClientReferenceID = stripe.String(req.UserID)
		params.Metadata = map[string]string{"user_id": req.UserID}
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{"user_id": req.UserID},
		}
	}
	return params
}
