package models

import "time"

// WebhookEventRecord is the dedup entry for one processor delivery.
type WebhookEventRecord struct {
	ID                string
	Type              string
	BillingCustomerID string
	Applied           bool
	Error             string
	ReceivedAt        time.Time
}
