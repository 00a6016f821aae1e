package billing

import (
	"github.com/stripe/stripe-go/v82"

	"privatrengoering.dk/cloud/models"
)

// StatusFromStripe folds the processor's subscription states onto the four
// states tracked locally. Unknown values map to StatusNone so callers can
// reject them.
func StatusFromStripe(s stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusIncomplete:
		return models.StatusIncomplete
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return models.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.StatusCanceled
	default:
		return models.StatusNone
	}
}

var allowedTransitions = map[models.SubscriptionStatus][]models.SubscriptionStatus{
	models.StatusNone:       {models.StatusIncomplete, models.StatusActive, models.StatusPastDue},
	models.StatusIncomplete: {models.StatusActive, models.StatusPastDue, models.StatusCanceled},
	models.StatusActive:     {models.StatusPastDue, models.StatusCanceled},
	models.StatusPastDue:    {models.StatusActive, models.StatusCanceled},
	models.StatusCanceled:   {},
}

// CanTransition reports whether from -> to is a legal move for an existing
// subscription. Staying in the same state is always legal.
func CanTransition(from, to models.SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanStartSubscription reports whether a newly created subscription may
// replace the current state. A canceled user starts over through checkout.
func CanStartSubscription(from, to models.SubscriptionStatus) bool {
	if from == models.StatusCanceled {
		return to == models.StatusIncomplete || to == models.StatusActive
	}
	return CanTransition(from, to)
}
