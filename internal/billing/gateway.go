package billing

import (
	"context"

	"github.com/stripe/stripe-go/v82"
)

// Gateway is the subset of the payment processor API the lifecycle uses.
type Gateway interface {
	RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

// StripeGateway talks to the Stripe API with an explicitly constructed
// client instead of the package-level stripe.Key.
type StripeGateway struct {
	client *stripe.Client
}

func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{client: stripe.NewClient(secretKey, nil)}
}

func (g *StripeGateway) RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	return g.client.V1Customers.Retrieve(ctx, id, nil)
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return g.client.V1Customers.Create(ctx, params)
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	return g.client.V1CheckoutSessions.Create(ctx, params)
}

func (g *StripeGateway) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
	return g.client.V1BillingPortalSessions.Create(ctx, params)
}
