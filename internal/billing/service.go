package billing

import (
	"errors"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82"

	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/internal/metrics"
	"privatrengoering.dk/cloud/internal/notify"
	"privatrengoering.dk/cloud/storage"
)

// CustomerSource tags every billing customer this service creates.
const CustomerSource = "privat-rengoering"

const defaultNoticeTimeout = 30 * time.Second

type CheckoutConfig struct {
	Currency    string
	UnitAmount  int64
	ProductName string
	Locale      string
}

type Config struct {
	Checkout      CheckoutConfig
	WebhookSecret string
}

// Service owns the subscription lifecycle: it opens hosted checkout and
// portal sessions and applies processor events to the Entitlement Store.
type Service struct {
	gateway  Gateway
	store    storage.Storage
	cfg      Config
	metrics  *metrics.Metrics
	notifier notify.Notifier

	noticeTimeout time.Duration
	notices       sync.WaitGroup
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithNoticeTimeout bounds how long one subscription notice may take.
func WithNoticeTimeout(d time.Duration) Option {
	return func(s *Service) { s.noticeTimeout = d }
}

func NewService(gateway Gateway, store storage.Storage, cfg Config, opts ...Option) *Service {
	s := &Service{
		gateway:  gateway,
		store:    store,
		cfg:      cfg,
		notifier: notify.Discard{},

		noticeTimeout: defaultNoticeTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until every notice started so far has finished.
func (s *Service) Wait() {
	s.notices.Wait()
}

// upstreamError marks a processor failure. The processor's own message is
// passed through to the client unchanged.
func upstreamError(err error, op string) error {
	msg := err.Error()
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		msg = stripeErr.Msg
	}
	return ierr.WithError(err).
		WithMessage(op).
		WithHint(msg).
		Mark(ierr.ErrUpstream)
}
