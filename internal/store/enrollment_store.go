package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

func scanEnrollment(row rowScanner) (*models.Enrollment, error) {
	var (
		e     models.Enrollment
		subID sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.CourseID, &e.Source, &subID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.SubscriptionID = nullInt64Ptr(subID)
	return &e, nil
}

// GrantEnrollments inserts one enrollment per course. Existing rows for the
// same (user, course) are left untouched, so re-running is safe.
func (s *Store) GrantEnrollments(ctx context.Context, userID int64, courseIDs []int64, source models.EnrollmentSource, subscriptionID *int64) (int, error) {
	if len(courseIDs) == 0 {
		return 0, nil
	}
	res, err := s.exec(ctx).ExecContext(ctx, `
INSERT INTO enrollments (user_id, course_id, source, subscription_id)
SELECT $1, course_id, $3, $4
FROM unnest($2::bigint[]) AS course_id
ON CONFLICT (user_id, course_id) DO NOTHING`,
		userID, pq.Array(courseIDs), source, subscriptionID)
	if err != nil {
		return 0, mapErr(err, "grant enrollments")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: grant enrollments rows affected: %w", err)
	}
	return int(n), nil
}

// GetEnrollment returns the user's enrollment in the course.
func (s *Store) GetEnrollment(ctx context.Context, userID, courseID int64) (*models.Enrollment, error) {
	row := s.exec(ctx).QueryRowContext(ctx, `
SELECT id, user_id, course_id, source, subscription_id, created_at
FROM enrollments
WHERE user_id = $1 AND course_id = $2`, userID, courseID)
	e, err := scanEnrollment(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("enrollment of user %d in course %d", userID, courseID))
	}
	return e, nil
}

// HasEnrollment reports whether the user is enrolled in the course.
func (s *Store) HasEnrollment(ctx context.Context, userID, courseID int64) (bool, error) {
	var exists bool
	err := s.exec(ctx).QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM enrollments WHERE user_id = $1 AND course_id = $2)`,
		userID, courseID).Scan(&exists)
	if err != nil {
		return false, mapErr(err, "check enrollment")
	}
	return exists, nil
}

// ListSubscriptionEnrollments returns the enrollments attributed to a subscription.
func (s *Store) ListSubscriptionEnrollments(ctx context.Context, subscriptionID int64) ([]models.Enrollment, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, `
SELECT id, user_id, course_id, source, subscription_id, created_at
FROM enrollments
WHERE subscription_id = $1
ORDER BY id`, subscriptionID)
	if err != nil {
		return nil, mapErr(err, "list enrollments")
	}
	defer rows.Close()

	var out []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate enrollments: %w", err)
	}
	return out, nil
}

// ListUserEnrollments returns every enrollment of the user.
func (s *Store) ListUserEnrollments(ctx context.Context, userID int64) ([]models.Enrollment, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, `
SELECT id, user_id, course_id, source, subscription_id, created_at
FROM enrollments
WHERE user_id = $1
ORDER BY course_id`, userID)
	if err != nil {
		return nil, mapErr(err, "list user enrollments")
	}
	defer rows.Close()

	var out []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ReassignEnrollment re-points an enrollment at a new justification.
func (s *Store) ReassignEnrollment(ctx context.Context, enrollmentID int64, source models.EnrollmentSource, subscriptionID *int64) error {
	_, err := s.exec(ctx).ExecContext(ctx, `
UPDATE enrollments
SET source = $2, subscription_id = $3, updated_at = now()
WHERE id = $1`, enrollmentID, source, subscriptionID)
	return mapErr(err, fmt.Sprintf("reassign enrollment %d", enrollmentID))
}

// DeleteEnrollment removes an enrollment.
func (s *Store) DeleteEnrollment(ctx context.Context, enrollmentID int64) error {
	_, err := s.exec(ctx).ExecContext(ctx, `DELETE FROM enrollments WHERE id = $1`, enrollmentID)
	return mapErr(err, fmt.Sprintf("delete enrollment %d", enrollmentID))
}
