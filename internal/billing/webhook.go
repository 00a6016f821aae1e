package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/internal/logger"
	"privatrengoering.dk/cloud/models"
	"privatrengoering.dk/cloud/storage"
)

const (
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.payment_succeeded"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventCheckoutCompleted    = "checkout.session.completed"
)

// Outcome describes what processing did with a verified event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeStale     Outcome = "stale"
	OutcomeRejected  Outcome = "rejected"
	OutcomeUnknown   Outcome = "unknown_customer"
	OutcomeFailed    Outcome = "failed"
)

const maxUpdateAttempts = 3

type EventResult struct {
	EventID string
	Type    string
	Outcome Outcome
	From    models.SubscriptionStatus
	To      models.SubscriptionStatus
}

// eventIntent is the normalized effect of one event on the store.
type eventIntent struct {
	customerID     string
	subscriptionID string
	userRef        string
	target         models.SubscriptionStatus
	startsNew      bool
	linksCustomer  bool
	eventAt        time.Time
}

// ProcessEvent verifies the signature header against the raw body and
// applies the event. Only a verification failure is returned as an error.
// Everything after verification is acknowledged: internal failures are
// logged and recorded on the delivery instead.
func (s *Service) ProcessEvent(ctx context.Context, payload []byte, signatureHeader string) (*EventResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		logger.Warn("Webhook signature verification failed", map[string]interface{}{
			"error": err.Error(),
		})
		s.metrics.WebhookEvent("unverified", "invalid_signature")
		return nil, ierr.WithError(err).
			WithMessage("verify webhook signature").
			WithHint("Ugyldig signatur").
			Mark(ierr.ErrInvalidSignature)
	}

	eventType := string(event.Type)
	result := &EventResult{EventID: event.ID, Type: eventType}

	logger.Info("Stripe event parsed", map[string]interface{}{
		"event_type": eventType,
		"event_id":   event.ID,
	})

	intent, recognized, err := decodeIntent(event)
	if !recognized {
		result.Outcome = OutcomeIgnored
		s.metrics.WebhookEvent(eventType, string(result.Outcome))
		return result, nil
	}
	if err != nil {
		logger.Error("Failed to decode event object", map[string]interface{}{
			"event_type": eventType,
			"event_id":   event.ID,
			"error":      err.Error(),
		})
		result.Outcome = OutcomeFailed
		s.metrics.WebhookEvent(eventType, string(result.Outcome))
		return result, nil
	}

	inserted, err := s.store.RecordWebhookEvent(ctx, &models.WebhookEventRecord{
		ID:                event.ID,
		Type:              eventType,
		BillingCustomerID: intent.customerID,
		ReceivedAt:        time.Now().UTC(),
	})
	if err != nil {
		// Transitions are idempotent, so a missing delivery record only
		// costs the dedup shortcut.
		logger.Error("Failed to record webhook delivery", map[string]interface{}{
			"event_id": event.ID,
			"error":    err.Error(),
		})
	} else if !inserted {
		logger.Info("Duplicate webhook delivery", map[string]interface{}{
			"event_id":   event.ID,
			"event_type": eventType,
		})
		result.Outcome = OutcomeDuplicate
		s.metrics.WebhookEvent(eventType, string(result.Outcome))
		return result, nil
	}

	applyErr := s.apply(ctx, intent, result)
	if applyErr != nil {
		result.Outcome = OutcomeFailed
		logger.Error("Failed to apply webhook event", map[string]interface{}{
			"event_id":   event.ID,
			"event_type": eventType,
			"error":      applyErr.Error(),
		})
	}

	if err == nil {
		errMsg := ""
		if applyErr != nil {
			errMsg = applyErr.Error()
		}
		applied := result.Outcome == OutcomeApplied || result.Outcome == OutcomeNoop
		if err := s.store.MarkWebhookEvent(ctx, event.ID, applied, errMsg); err != nil {
			logger.Warn("Failed to mark webhook delivery", map[string]interface{}{
				"event_id": event.ID,
				"error":    err.Error(),
			})
		}
	}

	s.metrics.WebhookEvent(eventType, string(result.Outcome))
	return result, nil
}

func decodeIntent(event stripe.Event) (*eventIntent, bool, error) {
	intent := &eventIntent{eventAt: time.Unix(event.Created, 0).UTC()}

	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, true, err
		}
		if sub.Customer != nil {
			intent.customerID = sub.Customer.ID
		}
		intent.subscriptionID = sub.ID
		intent.userRef = sub.Metadata["user_id"]
		switch string(event.Type) {
		case EventSubscriptionDeleted:
			intent.target = models.StatusCanceled
		case EventSubscriptionCreated:
			intent.target = StatusFromStripe(sub.Status)
			intent.startsNew = true
		default:
			intent.target = StatusFromStripe(sub.Status)
		}

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, true, err
		}
		if invoice.Customer != nil {
			intent.customerID = invoice.Customer.ID
		}
		if string(event.Type) == EventInvoicePaid {
			intent.target = models.StatusActive
		} else {
			intent.target = models.StatusPastDue
		}

	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, true, err
		}
		if session.Customer != nil {
			intent.customerID = session.Customer.ID
		}
		if session.Subscription != nil {
			intent.subscriptionID = session.Subscription.ID
		}
		intent.userRef = session.ClientReferenceID
		if intent.userRef == "" {
			intent.userRef = session.Metadata["user_id"]
		}
		intent.target = models.StatusIncomplete
		intent.startsNew = true
		intent.linksCustomer = true

	default:
		return nil, false, nil
	}

	return intent, true, nil
}

// apply moves the user to intent.target with compare-and-set semantics,
// re-reading the user when a concurrent delivery got there first.
func (s *Service) apply(ctx context.Context, intent *eventIntent, result *EventResult) error {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		user, err := s.findUser(ctx, intent)
		if err != nil {
			return err
		}
		if user == nil {
			logger.Warn("Webhook event for unknown billing customer", map[string]interface{}{
				"event_id":           result.EventID,
				"stripe_customer_id": intent.customerID,
				"user_id":            intent.userRef,
			})
			result.Outcome = OutcomeUnknown
			return nil
		}

		from := user.Status()
		result.From = from
		result.To = from

		update, outcome := s.plan(user, intent)
		if outcome != "" && update == nil {
			logger.Info("Webhook event not applied", map[string]interface{}{
				"event_id": result.EventID,
				"user_id":  user.ID,
				"from":     string(from),
				"to":       string(intent.target),
				"outcome":  string(outcome),
			})
			result.Outcome = outcome
			return nil
		}

		err = s.store.UpdateSubscription(ctx, user.ID, from, *update)
		if errors.Is(err, storage.ErrConflict) {
			logger.Debug("Subscription changed concurrently, retrying", map[string]interface{}{
				"user_id": user.ID,
				"attempt": attempt,
			})
			continue
		}
		if err != nil {
			return err
		}

		to := from
		if update.Status != "" {
			to = update.Status
		}
		result.To = to
		if outcome != "" {
			result.Outcome = outcome
		} else if to == from {
			result.Outcome = OutcomeNoop
		} else {
			result.Outcome = OutcomeApplied
		}

		if to != from {
			logger.Info("Subscription status changed", map[string]interface{}{
				"user_id": user.ID,
				"from":    string(from),
				"to":      string(to),
			})
			s.metrics.Transition(string(from), string(to))
			s.sendNotice(ctx, *user, from, to)
		}
		return nil
	}

	return ierr.NewError("subscription kept changing while applying event").
		Mark(ierr.ErrSystem)
}

// sendNotice tells the user about a transition in the background. The
// delivery has already been applied and is acknowledged regardless.
func (s *Service) sendNotice(ctx context.Context, user models.User, from, to models.SubscriptionStatus) {
	s.notices.Add(1)
	go func() {
		defer s.notices.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.noticeTimeout)
		defer cancel()

		if err := s.notifier.SubscriptionChanged(ctx, &user, from, to); err != nil {
			logger.Warn("Failed to send subscription notice", map[string]interface{}{
				"user_id": user.ID,
				"from":    string(from),
				"to":      string(to),
				"error":   err.Error(),
			})
		}
	}()
}

func (s *Service) findUser(ctx context.Context, intent *eventIntent) (*models.User, error) {
	if intent.linksCustomer && intent.userRef != "" {
		return s.store.GetUser(ctx, intent.userRef)
	}

	if intent.customerID != "" {
		user, err := s.store.FindUserByBillingCustomer(ctx, intent.customerID)
		if err != nil || user != nil {
			return user, err
		}
	}

	// Subscriptions created through checkout carry the user id in their
	// metadata, which covers events that overtake checkout.session.completed.
	if intent.userRef == "" {
		return nil, nil
	}
	user, err := s.store.GetUser(ctx, intent.userRef)
	if err != nil || user == nil {
		return user, err
	}
	if user.BillingCustomerID != "" && user.BillingCustomerID != intent.customerID {
		return nil, nil
	}
	intent.linksCustomer = true
	return user, nil
}

// plan decides the store update for intent. A nil update with a non-empty
// outcome means the event is acknowledged without mutation.
func (s *Service) plan(user *models.User, intent *eventIntent) (*storage.SubscriptionUpdate, Outcome) {
	from := user.Status()
	stale := user.LastEventAt != nil && intent.eventAt.Before(*user.LastEventAt)

	update := &storage.SubscriptionUpdate{}
	if intent.linksCustomer && intent.customerID != "" && user.BillingCustomerID != intent.customerID {
		update.BillingCustomerID = intent.customerID
	}
	linkOnly := func(outcome Outcome) (*storage.SubscriptionUpdate, Outcome) {
		if update.BillingCustomerID == "" {
			return nil, outcome
		}
		return update, outcome
	}

	if stale {
		return linkOnly(OutcomeStale)
	}

	if intent.target == models.StatusNone {
		return linkOnly(OutcomeRejected)
	}

	newSubscription := intent.subscriptionID != "" && intent.subscriptionID != user.StripeSubscriptionID
	if !intent.startsNew && newSubscription && user.StripeSubscriptionID != "" {
		// Events for a subscription the user has since replaced.
		return linkOnly(OutcomeStale)
	}

	allowed := CanTransition(from, intent.target)
	if intent.startsNew && (newSubscription || user.StripeSubscriptionID == "") {
		allowed = CanStartSubscription(from, intent.target)
	}
	if !allowed {
		return linkOnly(OutcomeRejected)
	}

	update.Status = intent.target
	update.SubscriptionID = intent.subscriptionID
	eventAt := intent.eventAt
	update.EventAt = &eventAt
	return update, ""
}
