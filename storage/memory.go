package storage

import (
	"context"
	"sync"
	"time"

	"privatrengoering.dk/cloud/models"
)

type MemoryStorage struct {
	mu     sync.RWMutex
	users  map[string]models.User
	events map[string]models.WebhookEventRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:  make(map[string]models.User),
		events: make(map[string]models.WebhookEventRecord),
	}
}

func (m *MemoryStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[id]
	if !exists {
		return nil, nil
	}
	return &user, nil
}

func (m *MemoryStorage) FindUserByBillingCustomer(ctx context.Context, billingCustomerID string) (*models.User, error) {
	if billingCustomerID == "" {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.users {
		if user.BillingCustomerID == billingCustomerID {
			return &user, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := *user
	if u.SubscriptionStatus == "" {
		u.SubscriptionStatus = models.StatusNone
	}
	if u.Role == "" {
		u.Role = models.RolePrivate
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if m.heldByOther(u.ID, u.BillingCustomerID) {
		return ErrCustomerTaken
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStorage) LinkBillingCustomer(ctx context.Context, userID, billingCustomerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[userID]
	if !exists {
		return ErrUserNotFound
	}
	if user.BillingCustomerID == billingCustomerID {
		return nil
	}
	if user.BillingCustomerID != "" {
		return ErrCustomerMismatch
	}
	if m.heldByOther(userID, billingCustomerID) {
		return ErrCustomerTaken
	}
	user.BillingCustomerID = billingCustomerID
	user.UpdatedAt = time.Now()
	m.users[userID] = user
	return nil
}

func (m *MemoryStorage) UpdateSubscription(ctx context.Context, userID string, expected models.SubscriptionStatus, update SubscriptionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[userID]
	if !exists {
		return ErrUserNotFound
	}
	if user.Status() != expected {
		return ErrConflict
	}
	if m.heldByOther(userID, update.BillingCustomerID) {
		return ErrCustomerTaken
	}

	if update.Status != "" {
		user.SubscriptionStatus = update.Status
	}
	if update.SubscriptionID != "" {
		user.StripeSubscriptionID = update.SubscriptionID
	}
	if update.BillingCustomerID != "" {
		user.BillingCustomerID = update.BillingCustomerID
	}
	if update.EventAt != nil {
		at := *update.EventAt
		user.LastEventAt = &at
	}
	user.UpdatedAt = time.Now()
	m.users[userID] = user
	return nil
}

func (m *MemoryStorage) RecordWebhookEvent(ctx context.Context, event *models.WebhookEventRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[event.ID]; exists {
		return false, nil
	}
	e := *event
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	m.events[e.ID] = e
	return true, nil
}

func (m *MemoryStorage) MarkWebhookEvent(ctx context.Context, id string, applied bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.events[id]
	if !exists {
		return nil
	}
	e.Applied = applied
	e.Error = errMsg
	m.events[id] = e
	return nil
}

func (m *MemoryStorage) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.events[id]
	if !exists {
		return nil, nil
	}
	return &e, nil
}

// heldByOther mirrors the UNIQUE constraint on users.billing_customer_id.
func (m *MemoryStorage) heldByOther(userID, billingCustomerID string) bool {
	if billingCustomerID == "" {
		return false
	}
	for id, user := range m.users {
		if id != userID && user.BillingCustomerID == billingCustomerID {
			return true
		}
	}
	return false
}

// UserCount is used by tests to assert that nothing was created.
func (m *MemoryStorage) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

func (m *MemoryStorage) Close() error {
	return nil
}
