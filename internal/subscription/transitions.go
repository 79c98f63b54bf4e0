package subscription

import (
	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// Status is shorthand for the persisted subscription status.
type Status = models.SubscriptionStatus

const (
	StatusPending   = models.SubscriptionPending
	StatusActive    = models.SubscriptionActive
	StatusPastDue   = models.SubscriptionPastDue
	StatusCancelled = models.SubscriptionCancelled
	StatusExpired   = models.SubscriptionExpired
)

// TableOptions configures the optional edges of the state machine.
type TableOptions struct {
	// AllowExpiredReactivation enables expired -> active, i.e. resubscribing
	// revives the same subscription record instead of a new pending one.
	AllowExpiredReactivation bool
}

// Table is the subscription state machine. It is immutable once built.
type Table struct {
	edges map[Status]map[Status]struct{}
}

// NewTable builds the transition table.
func NewTable(opts TableOptions) *Table {
	edges := map[Status][]Status{
		StatusPending:   {StatusActive, StatusCancelled, StatusExpired},
		StatusActive:    {StatusCancelled, StatusPastDue, StatusExpired},
		StatusPastDue:   {StatusActive, StatusExpired},
		StatusCancelled: {StatusActive, StatusExpired},
		StatusExpired:   nil,
	}
	if opts.AllowExpiredReactivation {
		edges[StatusExpired] = []Status{StatusActive}
	}

	t := &Table{edges: make(map[Status]map[Status]struct{}, len(edges))}
	for from, targets := range edges {
		set := make(map[Status]struct{}, len(targets)+1)
		set[from] = struct{}{}
		for _, to := range targets {
			set[to] = struct{}{}
		}
		t.edges[from] = set
	}
	return t
}

var defaultTable = NewTable(TableOptions{AllowExpiredReactivation: true})

// DefaultTable returns the table with every observed edge enabled.
func DefaultTable() *Table {
	return defaultTable
}

// CanTransition reports whether from -> to is legal. Re-applying the current
// status is always legal for a known status.
func (t *Table) CanTransition(from, to Status) bool {
	targets, ok := t.edges[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// AssertTransition returns a *StateTransitionError when from -> to is illegal.
// The error carries this table's allowed targets for from.
func (t *Table) AssertTransition(from, to Status) error {
	if !t.CanTransition(from, to) {
		return &StateTransitionError{From: from, To: to, Allowed: t.AllowedTransitions(from)}
	}
	return nil
}

// AllowedTransitions returns every status reachable from `from` in one hop,
// including `from` itself, in lifecycle order.
func (t *Table) AllowedTransitions(from Status) []Status {
	targets, ok := t.edges[from]
	if !ok {
		return nil
	}
	out := make([]Status, 0, len(targets))
	for _, s := range models.SubscriptionStatuses {
		if _, ok := targets[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CanTransition consults the default table.
func CanTransition(from, to Status) bool {
	return defaultTable.CanTransition(from, to)
}

// AssertTransition consults the default table.
func AssertTransition(from, to Status) error {
	return defaultTable.AssertTransition(from, to)
}

// AllowedTransitions consults the default table.
func AllowedTransitions(from Status) []Status {
	return defaultTable.AllowedTransitions(from)
}
