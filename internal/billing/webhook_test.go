package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/internal/testutil"
	"privatrengoering.dk/cloud/models"
	"privatrengoering.dk/cloud/storage"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func deliver(t *testing.T, svc *Service, id, eventType string, created time.Time, object map[string]interface{}) *EventResult {
	t.Helper()
	payload := testutil.EventPayload(t, id, eventType, created, object)
	result, err := svc.ProcessEvent(context.Background(), payload, testutil.Sign(payload, testutil.WebhookSecret))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func subscriptionEvent(status stripe.SubscriptionStatus) map[string]interface{} {
	return testutil.SubscriptionObject("sub_1", "cus_1", status, "")
}

func TestProcessEvent_InvalidSignatureNeverMutates(t *testing.T) {
	svc, _, store := newTestService(t)
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	payload := testutil.EventPayload(t, "evt_1", EventSubscriptionDeleted, baseTime,
		subscriptionEvent(stripe.SubscriptionStatusCanceled))

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '

	cases := map[string]struct {
		body   []byte
		header string
	}{
		"missing header": {payload, ""},
		"wrong secret":   {payload, testutil.Sign(payload, "whsec_wrong")},
		"garbage header": {payload, "t=1,v1=deadbeef"},
		"tampered body":  {tampered, testutil.Sign(payload, testutil.WebhookSecret)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := svc.ProcessEvent(context.Background(), tc.body, tc.header)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, ierr.IsInvalidSignature(err))
			assert.Equal(t, 400, ierr.HTTPStatusFromErr(err))
		})
	}

	testutil.RequireStatus(t, store, "user-1", models.StatusActive)
	rec, err := store.GetWebhookEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestProcessEvent_UnrecognizedTypeIsAcknowledged(t *testing.T) {
	svc, _, store := newTestService(t)
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	result := deliver(t, svc, "evt_1", "customer.created", baseTime, map[string]interface{}{"id": "cus_1"})
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusActive)
}

func TestProcessEvent_DeletedReplayIsIdempotent(t *testing.T) {
	svc, _, store := newTestService(t)
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))
	deleted := subscriptionEvent(stripe.SubscriptionStatusCanceled)

	first := deliver(t, svc, "evt_del", EventSubscriptionDeleted, baseTime, deleted)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusCanceled)

	again := deliver(t, svc, "evt_del", EventSubscriptionDeleted, baseTime, deleted)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusCanceled)

	// A redelivery under a fresh id converges too.
	fresh := deliver(t, svc, "evt_del_2", EventSubscriptionDeleted, baseTime, deleted)
	assert.Equal(t, OutcomeNoop, fresh.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusCanceled)
}

func TestProcessEvent_UpdateOrdering(t *testing.T) {
	tests := []struct {
		name  string
		first stripe.SubscriptionStatus
		then  stripe.SubscriptionStatus
		want  models.SubscriptionStatus
	}{
		{"past_due then active", stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusActive, models.StatusActive},
		{"active then past_due", stripe.SubscriptionStatusActive, stripe.SubscriptionStatusPastDue, models.StatusPastDue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, store := newTestService(t)
			testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

			deliver(t, svc, "evt_1", EventSubscriptionUpdated, baseTime, subscriptionEvent(tc.first))
			deliver(t, svc, "evt_2", EventSubscriptionUpdated, baseTime.Add(time.Minute), subscriptionEvent(tc.then))

			testutil.RequireStatus(t, store, "user-1", tc.want)
		})
	}
}

func TestProcessEvent_FullLifecycle(t *testing.T) {
	svc, _, store := newTestService(t)
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusNone, ""))

	deliver(t, svc, "evt_1", EventCheckoutCompleted, baseTime,
		testutil.CheckoutSessionObject("cs_1", "cus_1", "sub_1", "user-1"))
	testutil.RequireStatus(t, store, "user-1", models.StatusIncomplete)

	deliver(t, svc, "evt_2", EventSubscriptionCreated, baseTime.Add(time.Second),
		subscriptionEvent(stripe.SubscriptionStatusIncomplete))
	testutil.RequireStatus(t, store, "user-1", models.StatusIncomplete)

	deliver(t, svc, "evt_3", EventInvoicePaid, baseTime.Add(2*time.Second), testutil.InvoiceObject("in_1", "cus_1"))
	testutil.RequireStatus(t, store, "user-1", models.StatusActive)

	deliver(t, svc, "evt_4", EventSubscriptionUpdated, baseTime.Add(3*time.Second),
		subscriptionEvent(stripe.SubscriptionStatusActive))
	testutil.RequireStatus(t, store, "user-1", models.StatusActive)

	deliver(t, svc, "evt_5", EventInvoicePaymentFailed, baseTime.Add(4*time.Second), testutil.InvoiceObject("in_2", "cus_1"))
	testutil.RequireStatus(t, store, "user-1", models.StatusPastDue)

	deliver(t, svc, "evt_6", EventInvoicePaid, baseTime.Add(5*time.Second), testutil.InvoiceObject("in_3", "cus_1"))
	testutil.RequireStatus(t, store, "user-1", models.StatusActive)

	deliver(t, svc, "evt_7", EventSubscriptionDeleted, baseTime.Add(6*time.Second),
		subscriptionEvent(stripe.SubscriptionStatusCanceled))
	testutil.RequireStatus(t, store, "user-1", models.StatusCanceled)

	user, err := store.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", user.BillingCustomerID)
	assert.Equal(t, "sub_1", user.StripeSubscriptionID)
	require.NotNil(t, user.LastEventAt)
	assert.True(t, user.LastEventAt.Equal(baseTime.Add(6*time.Second)))

	rec, err := store.GetWebhookEvent(context.Background(), "evt_7")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Applied)
	assert.Equal(t, "cus_1", rec.BillingCustomerID)
}

func TestProcessEvent_StaleEventSkipped(t *testing.T) {
	svc, _, store := newTestService(t)
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	deliver(t, svc, "evt_new", EventSubscriptionUpdated, baseTime.Add(time.Hour),
		subscriptionEvent(stripe.SubscriptionStatusPastDue))
	result := deliver(t, svc, "evt_old", EventSubscriptionUpdated, baseTime,
		subscriptionEvent(stripe.SubscriptionStatusActive))

	assert.Equal(t, OutcomeStale, result.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusPastDue)
}

func TestProcessEvent_UnknownCustomerAcknowledged(t *testing.T) {
	svc, _, store := newTestService(t)

	result := deliver(t, svc, "evt_1", EventInvoicePaid, baseTime, testutil.InvoiceObject("in_1", "cus_nobody"))
	assert.Equal(t, OutcomeUnknown, result.Outcome)
	assert.Zero(t, store.UserCount())

	rec, err := store.GetWebhookEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Applied)
}

func TestProcessEvent_RejectedTransition(t *testing.T) {
	svc, _, store := newTestService(t)
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusCanceled, "cus_1"))

	result := deliver(t, svc, "evt_1", EventInvoicePaid, baseTime, testutil.InvoiceObject("in_1", "cus_1"))
	assert.Equal(t, OutcomeRejected, result.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusCanceled)
}

func TestProcessEvent_UnknownProcessorStatusRejected(t *testing.T) {
	svc, _, store := newTestService(t)
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	result := deliver(t, svc, "evt_1", EventSubscriptionUpdated, baseTime,
		subscriptionEvent(stripe.SubscriptionStatus("mystery")))
	assert.Equal(t, OutcomeRejected, result.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusActive)
}

func TestProcessEvent_ResubscribeAfterCancel(t *testing.T) {
	svc, _, store := newTestService(t)
	user := testutil.NewUser("user-1", "a@example.dk", models.StatusCanceled, "cus_1")
	user.StripeSubscriptionID = "sub_old"
	testutil.SeedUser(t, store, user)

	deliver(t, svc, "evt_1", EventSubscriptionCreated, baseTime,
		testutil.SubscriptionObject("sub_new", "cus_1", stripe.SubscriptionStatusActive, ""))
	testutil.RequireStatus(t, store, "user-1", models.StatusActive)

	// A late event for the replaced subscription must not cancel the new one.
	result := deliver(t, svc, "evt_2", EventSubscriptionDeleted, baseTime.Add(time.Second),
		testutil.SubscriptionObject("sub_old", "cus_1", stripe.SubscriptionStatusCanceled, ""))
	assert.Equal(t, OutcomeStale, result.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusActive)
}

func TestProcessEvent_SubscriptionMetadataLinksUser(t *testing.T) {
	svc, _, store := newTestService(t)
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusNone, ""))

	deliver(t, svc, "evt_1", EventSubscriptionCreated, baseTime,
		testutil.SubscriptionObject("sub_1", "cus_9", stripe.SubscriptionStatusActive, "user-1"))

	user, err := store.FindUserByBillingCustomer(context.Background(), "cus_9")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, models.StatusActive, user.Status())
}

func TestProcessEvent_CheckoutForActiveUserOnlyLinks(t *testing.T) {
	svc, _, store := newTestService(t)
	user := testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "")
	user.StripeSubscriptionID = "sub_1"
	testutil.SeedUser(t, store, user)

	result := deliver(t, svc, "evt_1", EventCheckoutCompleted, baseTime,
		testutil.CheckoutSessionObject("cs_1", "cus_1", "sub_1", "user-1"))
	assert.Equal(t, OutcomeRejected, result.Outcome)

	stored, err := store.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", stored.BillingCustomerID)
	assert.Equal(t, models.StatusActive, stored.Status())
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][2]models.SubscriptionStatus
	err   error
}

func (n *recordingNotifier) SubscriptionChanged(ctx context.Context, user *models.User, from, to models.SubscriptionStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, [2]models.SubscriptionStatus{from, to})
	return n.err
}

func TestProcessEvent_NotifiesOnTransitionsOnly(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	svc, _, store := newTestService(t, WithNotifier(notifier))
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	deliver(t, svc, "evt_1", EventSubscriptionUpdated, baseTime, subscriptionEvent(stripe.SubscriptionStatusActive))
	result := deliver(t, svc, "evt_2", EventInvoicePaymentFailed, baseTime.Add(time.Second), testutil.InvoiceObject("in_1", "cus_1"))
	svc.Wait()

	assert.Equal(t, OutcomeApplied, result.Outcome)
	require.Len(t, notifier.calls, 1)
	assert.Equal(t, [2]models.SubscriptionStatus{models.StatusActive, models.StatusPastDue}, notifier.calls[0])
	testutil.RequireStatus(t, store, "user-1", models.StatusPastDue)
}

// blockingNotifier holds every notice until release is closed or the
// notice context ends.
type blockingNotifier struct {
	release chan struct{}
	ctxErr  chan error
}

func (n *blockingNotifier) SubscriptionChanged(ctx context.Context, user *models.User, from, to models.SubscriptionStatus) error {
	select {
	case <-n.release:
		n.ctxErr <- nil
	case <-ctx.Done():
		n.ctxErr <- ctx.Err()
	}
	return nil
}

func TestProcessEvent_SlowNoticeDoesNotDelayAck(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	svc, _, store := newTestService(t, WithNotifier(notifier), WithNoticeTimeout(time.Hour))
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	start := time.Now()
	result := deliver(t, svc, "evt_1", EventSubscriptionDeleted, baseTime, subscriptionEvent(stripe.SubscriptionStatusCanceled))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusCanceled)

	rec, err := store.GetWebhookEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, rec.Applied)

	close(notifier.release)
	svc.Wait()
	assert.NoError(t, <-notifier.ctxErr)
}

func TestProcessEvent_NoticeTimesOut(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	svc, _, store := newTestService(t, WithNotifier(notifier), WithNoticeTimeout(20*time.Millisecond))
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	deliver(t, svc, "evt_1", EventInvoicePaymentFailed, baseTime, testutil.InvoiceObject("in_1", "cus_1"))
	svc.Wait()
	assert.ErrorIs(t, <-notifier.ctxErr, context.DeadlineExceeded)
}

// conflictingStore reports a concurrent change for the first n updates.
type conflictingStore struct {
	*storage.MemoryStorage
	remaining int
}

func (s *conflictingStore) UpdateSubscription(ctx context.Context, userID string, expected models.SubscriptionStatus, update storage.SubscriptionUpdate) error {
	if s.remaining > 0 {
		s.remaining--
		return storage.ErrConflict
	}
	return s.MemoryStorage.UpdateSubscription(ctx, userID, expected, update)
}

func TestProcessEvent_RetriesOnConflict(t *testing.T) {
	store := &conflictingStore{MemoryStorage: storage.NewMemoryStorage(), remaining: 1}
	svc := NewService(testutil.NewFakeGateway(), store, Config{WebhookSecret: testutil.WebhookSecret})
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	result := deliver(t, svc, "evt_1", EventSubscriptionDeleted, baseTime, subscriptionEvent(stripe.SubscriptionStatusCanceled))
	assert.Equal(t, OutcomeApplied, result.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusCanceled)
}

func TestProcessEvent_PersistentConflictIsAcknowledged(t *testing.T) {
	store := &conflictingStore{MemoryStorage: storage.NewMemoryStorage(), remaining: maxUpdateAttempts}
	svc := NewService(testutil.NewFakeGateway(), store, Config{WebhookSecret: testutil.WebhookSecret})
	testutil.SeedUser(t, store, testutil.NewUser("user-1", "a@example.dk", models.StatusActive, "cus_1"))

	result := deliver(t, svc, "evt_1", EventSubscriptionDeleted, baseTime, subscriptionEvent(stripe.SubscriptionStatusCanceled))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	testutil.RequireStatus(t, store, "user-1", models.StatusActive)

	rec, err := store.GetWebhookEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Applied)
	assert.NotEmpty(t, rec.Error)
}
