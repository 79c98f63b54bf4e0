package handlers

import (
	"context"
	"net/http"

	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

// AccessEvaluator decides course access.
type AccessEvaluator interface {
	Evaluate(ctx context.Context, userID int64, role models.Role, courseID int64) (subscription.AccessDecision, error)
}

// EnrollmentLister lists a user's enrollments.
type EnrollmentLister interface {
	ListUserEnrollments(ctx context.Context, userID int64) ([]models.Enrollment, error)
}

// CourseAccess reports whether the caller may open a course.
func CourseAccess(eval AccessEvaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		courseID, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		decision, err := eval.Evaluate(r.Context(), p.UserID, p.Role, courseID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"course_id": courseID,
			"allowed":   decision.Allowed,
			"reason":    decision.Reason,
		})
	}
}

// ListEnrollments returns the caller's enrollments.
func ListEnrollments(enrollments EnrollmentLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		list, err := enrollments.ListUserEnrollments(r.Context(), p.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []models.Enrollment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"enrollments": list})
	}
}
