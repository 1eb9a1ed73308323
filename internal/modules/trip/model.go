// README: Trip aggregate, status definitions and timestamp invariants.
package trip

import (
	"errors"
	"time"

	"shuttle/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type Trip struct {
	ID                 types.ID
	CustomerID         types.ID
	DriverID           *types.ID
	Pickup             string
	Dropoff            string
	ScheduledAt        time.Time
	Status             Status
	DriverAcknowledged bool
	Price              types.Money
	AcceptedAt         *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancelledBy        *string
	StatusVersion      int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Event struct {
	ID         int64
	TripID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorRole  string
	ActorID    *types.ID
	Note       string
	CreatedAt  time.Time
}

type Filter struct {
	Status     Status
	DriverID   types.ID
	CustomerID types.ID
	From       *time.Time
	To         *time.Time
	Limit      int
}

// AllowedTransitions represents the trip state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active statuses occupy the bound driver.
func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusInProgress
}

func (t *Trip) HasDriver() bool {
	return t.DriverID != nil && *t.DriverID != ""
}

func (t *Trip) AssignedTo(driverID types.ID) bool {
	return t.HasDriver() && *t.DriverID == driverID
}

// moveTo returns a copy of t in status to with the lifecycle timestamps
// adjusted so that started_at is set iff the trip is in progress or completed
// and completed_at is set iff it is completed. Existing timestamps are kept
// where they stay valid.
func (t Trip) moveTo(to Status, now time.Time) Trip {
	next := t
	next.Status = to
	switch to {
	case StatusPending:
		next.AcceptedAt = nil
		next.StartedAt = nil
		next.CompletedAt = nil
	case StatusAccepted:
		next.DriverAcknowledged = true
		next.AcceptedAt = orNow(t.AcceptedAt, now)
		next.StartedAt = nil
		next.CompletedAt = nil
	case StatusInProgress:
		next.DriverAcknowledged = true
		next.AcceptedAt = orNow(t.AcceptedAt, now)
		next.StartedAt = orNow(t.StartedAt, now)
		next.CompletedAt = nil
	case StatusCompleted:
		next.DriverAcknowledged = true
		next.AcceptedAt = orNow(t.AcceptedAt, now)
		next.StartedAt = orNow(t.StartedAt, now)
		next.CompletedAt = orNow(t.CompletedAt, now)
	case StatusCancelled:
		next.StartedAt = nil
		next.CompletedAt = nil
		next.CancelledAt = orNow(t.CancelledAt, now)
	}
	return next
}

func orNow(v *time.Time, now time.Time) *time.Time {
	if v != nil {
		return v
	}
	n := now
	return &n
}

var errInvariant = errors.New("trip invariant violated")

// CheckInvariants reports the first lifecycle invariant t breaks.
func (t *Trip) CheckInvariants() error {
	if (t.Status == StatusCompleted) != (t.CompletedAt != nil) {
		return errors.Join(errInvariant, errors.New("completed_at must be set iff completed"))
	}
	started := t.Status == StatusInProgress || t.Status == StatusCompleted
	if started != (t.StartedAt != nil) {
		return errors.Join(errInvariant, errors.New("started_at must be set iff in_progress or completed"))
	}
	if (t.Status == StatusAccepted || started) && !t.HasDriver() {
		return errors.Join(errInvariant, errors.New("accepted, in_progress and completed trips need a driver"))
	}
	return nil
}
