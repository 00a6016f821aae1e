package models

import "time"

type Role string

const (
	RolePrivate       Role = "private"
	RoleCleaner       Role = "cleaner"
	RoleSmallBusiness Role = "small_business"
	RoleLargeBusiness Role = "large_business"
	RoleAdmin         Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePrivate, RoleCleaner, RoleSmallBusiness, RoleLargeBusiness, RoleAdmin:
		return true
	}
	return false
}

// SubscriptionStatus is the locally tracked state of a user's paid plan.
// StatusNone means the user never started a subscription.
type SubscriptionStatus string

const (
	StatusNone       SubscriptionStatus = "none"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
)

var SubscriptionStatuses = []SubscriptionStatus{
	StatusNone,
	StatusIncomplete,
	StatusActive,
	StatusPastDue,
	StatusCanceled,
}

type User struct {
	ID                   string             `json:"id"`
	Email                string             `json:"email"`
	Role                 Role               `json:"role"`
	BillingCustomerID    string             `json:"billing_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	LastEventAt          *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Status returns the subscription status, treating an unset value as StatusNone.
func (u *User) Status() SubscriptionStatus {
	if u == nil || u.SubscriptionStatus == "" {
		return StatusNone
	}
	return u.SubscriptionStatus
}
