package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

const (
	defaultPageSize = 200

	pqUniqueViolation = "23505"
)

// Store provides database-backed accessors for billing data. It satisfies
// subscription.Repository.
type Store struct {
	db *sql.DB
}

var _ subscription.Repository = (*Store)(nil)

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// mapErr translates driver errors into the engine's error taxonomy. what names
// the row for not-found errors.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: %s: %w", what, subscription.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return &subscription.ConflictError{Message: fmt.Sprintf("%s violates %s", what, pqErr.Constraint)}
	}
	return fmt.Errorf("store: %s: %w", what, err)
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var (
		u    models.User
		name sql.NullString
	)
	err := s.exec(ctx).QueryRowContext(ctx, `
SELECT id, email, name, role, created_at
FROM users
WHERE id = $1`, id).Scan(&u.ID, &u.Email, &name, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("user %d", id))
	}
	u.Name = nullStringPtr(name)
	return &u, nil
}

// LockUser takes a row lock on the user for the rest of the current transaction.
func (s *Store) LockUser(ctx context.Context, id int64) error {
	if _, ok := txFromContext(ctx); !ok {
		return errors.New("store: lock user outside transaction")
	}
	var locked int64
	err := s.exec(ctx).QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	return mapErr(err, fmt.Sprintf("lock user %d", id))
}

// UpsertUser creates or updates a user keyed by email and returns its id.
func (s *Store) UpsertUser(ctx context.Context, u *models.User) error {
	role := u.Role
	if role == "" {
		role = models.RoleUser
	}
	err := s.exec(ctx).QueryRowContext(ctx, `
INSERT INTO users (email, name, role)
VALUES (LOWER($1), $2, $3)
ON CONFLICT (email) DO UPDATE
SET name = COALESCE(EXCLUDED.name, users.name),
    role = EXCLUDED.role,
    updated_at = now()
RETURNING id, created_at`, u.Email, u.Name, role).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return mapErr(err, "upsert user")
	}
	u.Role = role
	return nil
}
