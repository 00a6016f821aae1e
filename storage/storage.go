package storage

import (
	"context"
	"errors"
	"time"

	"privatrengoering.dk/cloud/models"
)

// ErrConflict is returned by UpdateSubscription when the stored status no
// longer matches the caller's expectation.
var ErrConflict = errors.New("subscription status changed concurrently")

// ErrUserNotFound is returned by writes addressed to an unknown user.
var ErrUserNotFound = errors.New("user not found")

// ErrCustomerMismatch is returned by LinkBillingCustomer when the user is
// already linked to a different billing customer.
var ErrCustomerMismatch = errors.New("user is linked to another billing customer")

// ErrCustomerTaken is returned when a billing customer is already held by
// another user.
var ErrCustomerTaken = errors.New("billing customer belongs to another user")

// SubscriptionUpdate is the set of entitlement fields one webhook event may
// change. Empty strings and a nil EventAt leave the stored value untouched.
type SubscriptionUpdate struct {
	Status            models.SubscriptionStatus
	SubscriptionID    string
	BillingCustomerID string
	EventAt           *time.Time
}

// Storage is the Entitlement Store. Reads return (nil, nil) when nothing
// matches.
type Storage interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	FindUserByBillingCustomer(ctx context.Context, billingCustomerID string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error

	// LinkBillingCustomer records the billing customer for a user that has
	// none. Linking the stored id again is a no-op; any other id fails with
	// ErrCustomerMismatch.
	LinkBillingCustomer(ctx context.Context, userID, billingCustomerID string) error
	// UpdateSubscription applies update only if the user's current status
	// equals expected, otherwise it returns ErrConflict.
	UpdateSubscription(ctx context.Context, userID string, expected models.SubscriptionStatus, update SubscriptionUpdate) error

	// RecordWebhookEvent inserts the delivery record and reports false when
	// the id was already seen.
	RecordWebhookEvent(ctx context.Context, event *models.WebhookEventRecord) (bool, error)
	MarkWebhookEvent(ctx context.Context, id string, applied bool, errMsg string) error
	GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEventRecord, error)

	Close() error
}
