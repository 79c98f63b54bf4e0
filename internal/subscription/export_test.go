package subscription

import (
	"testing"
	"time"
)

// Fixture exposes the in-memory engine to the external test package.
type Fixture struct {
	Manager *Manager
	h       *harness
}

func NewFixture(t *testing.T) *Fixture {
	h := newHarness(t)
	return &Fixture{Manager: h.mgr, h: h}
}

func (f *Fixture) UserCourses(userID int64) []int64 { return f.h.store.userCourses(userID) }

func (f *Fixture) EnrollmentCount() int { return len(f.h.store.enrollments) }

func (f *Fixture) Advance(d time.Duration) { f.h.clock.Advance(d) }
