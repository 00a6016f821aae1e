package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"privatrengoering.dk/cloud/internal/auth"
	"privatrengoering.dk/cloud/models"
	"privatrengoering.dk/cloud/storage"
)

const (
	WebhookSecret = "whsec_test_secret"
	JWTSecret     = "jwt-test-secret"
	AdminEmail    = "admin@privatrengoering.dk"
)

// FakeGateway stands in for the Stripe API. It records every request and
// hands out sequential ids.
type FakeGateway struct {
	mu  sync.Mutex
	seq int

	Customers      map[string]*stripe.Customer
	CustomerParams []*stripe.CustomerCreateParams
	CheckoutParams []*stripe.CheckoutSessionCreateParams
	PortalParams   []*stripe.BillingPortalSessionCreateParams

	// Err, when set, fails every call.
	Err error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{Customers: make(map[string]*stripe.Customer)}
}

func (g *FakeGateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_test%d", prefix, g.seq)
}

// AddCustomer registers an existing processor customer.
func (g *FakeGateway) AddCustomer(id, email string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Customers[id] = &stripe.Customer{ID: id, Email: email}
}

func (g *FakeGateway) CustomersCreated() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.CustomerParams)
}

func (g *FakeGateway) LastCheckout() *stripe.CheckoutSessionCreateParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.CheckoutParams) == 0 {
		return nil
	}
	return g.CheckoutParams[len(g.CheckoutParams)-1]
}

func (g *FakeGateway) RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	c, ok := g.Customers[id]
	if !ok {
		return nil, &stripe.Error{
			HTTPStatusCode: 404,
			Code:           stripe.ErrorCodeResourceMissing,
			Msg:            fmt.Sprintf("No such customer: '%s'", id),
		}
	}
	return c, nil
}

func (g *FakeGateway) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	g.CustomerParams = append(g.CustomerParams, params)
	c := &stripe.Customer{ID: g.nextID("cus"), Metadata: params.Metadata}
	if params.Email != nil {
		c.Email = *params.Email
	}
	g.Customers[c.ID] = c
	return c, nil
}

func (g *FakeGateway) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	g.CheckoutParams = append(g.CheckoutParams, params)
	id := g.nextID("cs")
	return &stripe.CheckoutSession{
		ID:  id,
		URL: "https://checkout.stripe.com/c/pay/" + id,
	}, nil
}

func (g *FakeGateway) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	g.PortalParams = append(g.PortalParams, params)
	id := g.nextID("bps")
	return &stripe.BillingPortalSession{
		ID:  id,
		URL: "https://billing.stripe.com/p/session/" + id,
	}, nil
}

// NewUser builds a user linked to customerID with the given status.
func NewUser(id, email string, status models.SubscriptionStatus, customerID string) *models.User {
	now := time.Now().UTC()
	return &models.User{
		ID:                 id,
		Email:              email,
		Role:               models.RolePrivate,
		BillingCustomerID:  customerID,
		SubscriptionStatus: status,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func SeedUser(t testing.TB, store storage.Storage, user *models.User) {
	t.Helper()
	require.NoError(t, store.SaveUser(context.Background(), user))
}

func RequireStatus(t testing.TB, store storage.Storage, userID string, want models.SubscriptionStatus) {
	t.Helper()
	user, err := store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, want, user.Status())
}

// EventPayload renders a processor event envelope around object.
func EventPayload(t testing.TB, id, eventType string, created time.Time, object map[string]interface{}) []byte {
	t.Helper()
	event := map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"livemode":    false,
		"api_version": stripe.APIVersion,
		"data": map[string]interface{}{
			"object": object,
		},
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload
}

// Sign returns the signature header for payload.
func Sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header
}

func SubscriptionObject(subscriptionID, customerID string, status stripe.SubscriptionStatus, userID string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":       subscriptionID,
		"object":   "subscription",
		"customer": customerID,
		"status":   string(status),
	}
	if userID != "" {
		obj["metadata"] = map[string]interface{}{"user_id": userID}
	}
	return obj
}

func InvoiceObject(invoiceID, customerID string) map[string]interface{} {
	return map[string]interface{}{
		"id":       invoiceID,
		"object":   "invoice",
		"customer": customerID,
	}
}

func CheckoutSessionObject(sessionID, customerID, subscriptionID, userID string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":                  sessionID,
		"object":              "checkout.session",
		"mode":                "subscription",
		"customer":            customerID,
		"client_reference_id": userID,
	}
	if subscriptionID != "" {
		obj["subscription"] = subscriptionID
	}
	return obj
}

// Token issues a signed bearer token for claims.
func Token(t testing.TB, claims auth.Claims) string {
	t.Helper()
	token, err := auth.NewAuthenticator(JWTSecret, []string{AdminEmail}).Issue(claims, time.Hour)
	require.NoError(t, err)
	return token
}
