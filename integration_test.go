package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"privatrengoering.dk/cloud/handlers"
	"privatrengoering.dk/cloud/internal/auth"
	"privatrengoering.dk/cloud/internal/config"
	"privatrengoering.dk/cloud/internal/testutil"
	"privatrengoering.dk/cloud/models"
	"privatrengoering.dk/cloud/storage"
)

type harness struct {
	t       *testing.T
	server  *handlers.Server
	store   storage.Storage
	gateway *testutil.FakeGateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "integration.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Version:             "test",
		JWTSecret:           testutil.JWTSecret,
		AdminEmails:         []string{testutil.AdminEmail},
		StripeWebhookSecret: testutil.WebhookSecret,
		CheckoutCurrency:    "dkk",
		CheckoutUnitAmount:  9900,
		CheckoutProductName: "Privat Rengøring Premium",
		CheckoutLocale:      "da",
	}
	gw := testutil.NewFakeGateway()
	server, _ := newApp(cfg, store, gw, prometheus.NewRegistry())
	return &harness{
		t:       t,
		server:  server,
		store:   store,
		gateway: gw,
	}
}

func (h *harness) request(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, req)
	return w
}

func (h *harness) webhook(id, eventType string, created time.Time, object map[string]interface{}) {
	h.t.Helper()
	payload := testutil.EventPayload(h.t, id, eventType, created, object)
	w := h.request(http.MethodPost, "/webhook", payload, map[string]string{
		"stripe-signature": testutil.Sign(payload, testutil.WebhookSecret),
	})
	require.Equal(h.t, http.StatusOK, w.Code, w.Body.String())
	require.JSONEq(h.t, `{"received":true}`, w.Body.String())
}

func (h *harness) premiumStatus(token string) int {
	h.t.Helper()
	return h.request(http.MethodGet, "/premium/ping", nil, map[string]string{"Authorization": "Bearer " + token}).Code
}

func TestFullWorkflow_CheckoutToCancellation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testutil.SeedUser(t, h.store, testutil.NewUser("user-42", "jens@example.dk", models.StatusNone, ""))
	token := testutil.Token(t, auth.Claims{UserID: "user-42", Email: "jens@example.dk"})

	// Step 1: authenticated checkout creates and links a billing customer.
	body, _ := json.Marshal(map[string]string{
		"successUrl": "https://privatrengoering.dk/tak",
		"cancelUrl":  "https://privatrengoering.dk/annulleret",
	})
	w := h.request(http.MethodPost, "/checkout-session", body, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var session handlers.CheckoutSessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&session))
	assert.Contains(t, session.URL, session.ID)
	require.Equal(t, 1, h.gateway.CustomersCreated())

	user, err := h.store.GetUser(ctx, "user-42")
	require.NoError(t, err)
	customerID := user.BillingCustomerID
	require.NotEmpty(t, customerID)
	assert.Equal(t, http.StatusPaymentRequired, h.premiumStatus(token))

	// Step 2: the processor reports the subscription lifecycle.
	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	h.webhook("evt_1", "checkout.session.completed", start,
		testutil.CheckoutSessionObject(session.ID, customerID, "sub_42", "user-42"))
	testutil.RequireStatus(t, h.store, "user-42", models.StatusIncomplete)

	h.webhook("evt_2", "customer.subscription.created", start.Add(time.Second),
		testutil.SubscriptionObject("sub_42", customerID, stripe.SubscriptionStatusIncomplete, "user-42"))
	h.webhook("evt_3", "invoice.payment_succeeded", start.Add(2*time.Second),
		testutil.InvoiceObject("in_1", customerID))
	h.webhook("evt_4", "customer.subscription.updated", start.Add(3*time.Second),
		testutil.SubscriptionObject("sub_42", customerID, stripe.SubscriptionStatusActive, "user-42"))

	testutil.RequireStatus(t, h.store, "user-42", models.StatusActive)
	assert.Equal(t, http.StatusOK, h.premiumStatus(token))

	// Step 3: cancellation revokes access on the next request.
	h.webhook("evt_5", "customer.subscription.deleted", start.Add(4*time.Second),
		testutil.SubscriptionObject("sub_42", customerID, stripe.SubscriptionStatusCanceled, "user-42"))
	testutil.RequireStatus(t, h.store, "user-42", models.StatusCanceled)
	assert.Equal(t, http.StatusPaymentRequired, h.premiumStatus(token))

	w = h.request(http.MethodGet, "/subscription", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)
	var sub handlers.SubscriptionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sub))
	assert.Equal(t, models.StatusCanceled, sub.Status)
	assert.False(t, sub.Entitled)

	// Replays change nothing.
	h.webhook("evt_5", "customer.subscription.deleted", start.Add(4*time.Second),
		testutil.SubscriptionObject("sub_42", customerID, stripe.SubscriptionStatusCanceled, "user-42"))
	testutil.RequireStatus(t, h.store, "user-42", models.StatusCanceled)

	// The portal session is available for the linked customer.
	body, _ = json.Marshal(map[string]string{"customerId": customerID, "returnUrl": "https://privatrengoering.dk/konto"})
	w = h.request(http.MethodPost, "/portal-session", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness(t)
	testutil.SeedUser(t, h.store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	payload := testutil.EventPayload(t, "evt_dup", "invoice.payment_failed", time.Now(), testutil.InvoiceObject("in_1", "cus_1"))
	header := testutil.Sign(payload, testutil.WebhookSecret)

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
			req.Header.Set("Stripe-Signature", header)
			w := httptest.NewRecorder()
			h.server.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	testutil.RequireStatus(t, h.store, "user-1", models.StatusPastDue)

	rec, err := h.store.GetWebhookEvent(context.Background(), "evt_dup")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Applied)
}

func TestUnsignedWebhookLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t)
	testutil.SeedUser(t, h.store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	payload := testutil.EventPayload(t, "evt_x", "customer.subscription.deleted", time.Now(),
		testutil.SubscriptionObject("sub_1", "cus_1", stripe.SubscriptionStatusCanceled, ""))
	w := h.request(http.MethodPost, "/webhook", payload, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	testutil.RequireStatus(t, h.store, "user-1", models.StatusActive)
	rec, err := h.store.GetWebhookEvent(context.Background(), "evt_x")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
