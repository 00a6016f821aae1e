package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"

	"privatrengoering.dk/cloud/internal/logger"
	"privatrengoering.dk/cloud/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

// Open opens the database file without running migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded migrations up to the latest version.
func Migrate(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	// m.Close would also close db, which the caller owns.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	logger.Debug("Database schema ready", map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	})
	return nil
}

// MigrateDown reverts the given number of migration steps.
func MigrateDown(db *sql.DB, steps int) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to init migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "sqlite3", driver)
}

const userColumns = `id, email, role, billing_customer_id, stripe_subscription_id, subscription_status, last_event_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user         models.User
		billingID    sql.NullString
		lastEventAt  sql.NullTime
		role, status string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&role,
		&billingID,
		&user.StripeSubscriptionID,
		&status,
		&lastEventAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	user.Role = models.Role(role)
	user.SubscriptionStatus = models.SubscriptionStatus(status)
	user.BillingCustomerID = billingID.String
	if lastEventAt.Valid {
		at := lastEventAt.Time
		user.LastEventAt = &at
	}
	return &user, nil
}

func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindUserByBillingCustomer(ctx context.Context, billingCustomerID string) (*models.User, error) {
	if billingCustomerID == "" {
		return nil, nil
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE billing_customer_id = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, billingCustomerID))
}

func (s *SQLiteStorage) SaveUser(ctx context.Context, user *models.User) error {
	status := user.SubscriptionStatus
	if status == "" {
		status = models.StatusNone
	}
	role := user.Role
	if role == "" {
		role = models.RolePrivate
	}
	now := time.Now().UTC()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			role = excluded.role,
			billing_customer_id = excluded.billing_customer_id,
			stripe_subscription_id = excluded.stripe_subscription_id,
			subscription_status = excluded.subscription_status,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		string(role),
		nullIfEmpty(user.BillingCustomerID),
		user.StripeSubscriptionID,
		string(status),
		nullTime(user.LastEventAt),
		createdAt,
		now,
	)
	if isCustomerTaken(err) {
		return ErrCustomerTaken
	}
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) LinkBillingCustomer(ctx context.Context, userID, billingCustomerID string) error {
	customer := nullIfEmpty(billingCustomerID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET billing_customer_id = ?, updated_at = ?
		WHERE id = ? AND (billing_customer_id IS NULL OR billing_customer_id = ?)`,
		customer, time.Now().UTC(), userID, customer)
	if isCustomerTaken(err) {
		return ErrCustomerTaken
	}
	if err != nil {
		return fmt.Errorf("failed to link billing customer: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	return ErrCustomerMismatch
}

func (s *SQLiteStorage) UpdateSubscription(ctx context.Context, userID string, expected models.SubscriptionStatus, update SubscriptionUpdate) error {
	query := `UPDATE users SET
			subscription_status = COALESCE(NULLIF(?, ''), subscription_status),
			stripe_subscription_id = COALESCE(NULLIF(?, ''), stripe_subscription_id),
			billing_customer_id = COALESCE(?, billing_customer_id),
			last_event_at = COALESCE(?, last_event_at),
			updated_at = ?
		WHERE id = ? AND subscription_status = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(update.Status),
		update.SubscriptionID,
		nullIfEmpty(update.BillingCustomerID),
		nullTime(update.EventAt),
		time.Now().UTC(),
		userID,
		string(expected),
	)
	if isCustomerTaken(err) {
		return ErrCustomerTaken
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	return ErrConflict
}

func (s *SQLiteStorage) RecordWebhookEvent(ctx context.Context, event *models.WebhookEventRecord) (bool, error) {
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, type, billing_customer_id, applied, error, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, event.BillingCustomerID, event.Applied, event.Error, receivedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return false, nil
		}
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return true, nil
}

func (s *SQLiteStorage) MarkWebhookEvent(ctx context.Context, id string, applied bool, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET applied = ?, error = ? WHERE id = ?`,
		applied, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEventRecord, error) {
	var e models.WebhookEventRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, billing_customer_id, applied, error, received_at FROM webhook_events WHERE id = ?`, id,
	).Scan(&e.ID, &e.Type, &e.BillingCustomerID, &e.Applied, &e.Error, &e.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func isCustomerTaken(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), "billing_customer_id")
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
