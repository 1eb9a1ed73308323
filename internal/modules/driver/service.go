// README: Driver service implements verification status, availability and document workflow.
package driver

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/events"
	"shuttle/internal/metrics"
	"shuttle/internal/realtime"
	"shuttle/internal/types"
)

type Repository interface {
	EnsureProfile(ctx context.Context, accountID, newID types.ID) (*Driver, error)
	Get(ctx context.Context, id types.ID) (*Driver, error)
	GetByAccount(ctx context.Context, accountID types.ID) (*Driver, error)
	List(ctx context.Context, f Filter) ([]Driver, error)
	UpdateStatus(ctx context.Context, cur, next *Driver) (bool, error)
	SetAvailability(ctx context.Context, c *AvailabilityChange) (bool, error)
	AvailabilityLog(ctx context.Context, driverID types.ID) ([]AvailabilityChange, error)
	Documents(ctx context.Context, driverID types.ID) ([]Document, error)
	ReplaceDocument(ctx context.Context, doc *Document) (bool, error)
	SetDocumentVerified(ctx context.Context, docID types.ID, verified, demoteDriver bool, now time.Time) (*Document, bool, error)
	Demote(ctx context.Context, driverID types.ID, now time.Time) (bool, error)
}

type Deps struct {
	Repo   Repository
	Feed   realtime.Feed
	Events events.Publisher
	Clock  clock.Clock
	Log    *zap.Logger
}

type Service struct {
	repo   Repository
	feed   realtime.Feed
	events events.Publisher
	clock  clock.Clock
	log    *zap.Logger
}

func NewService(d Deps) *Service {
	s := &Service{repo: d.Repo, feed: d.Feed, events: d.Events, clock: d.Clock, log: d.Log}
	if s.feed == nil {
		s.feed = realtime.Nop{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

type UploadCommand struct {
	DriverID  types.ID
	Type      DocType
	Location  string
	ExpiresAt *time.Time
}

// EnsureProfile returns the partner profile of the calling driver account,
// creating it unverified and unavailable on first access.
func (s *Service) EnsureProfile(ctx context.Context, actor access.Actor) (*Driver, error) {
	if err := access.Require(actor, access.CapDriverSelf); err != nil {
		return nil, err
	}
	return s.repo.EnsureProfile(ctx, actor.ID, types.NewID())
}

// ProfileForAccount is used when building a session; it never creates rows.
func (s *Service) ProfileForAccount(ctx context.Context, accountID types.ID) (*Driver, error) {
	return s.repo.GetByAccount(ctx, accountID)
}

func (s *Service) SubmitForReview(ctx context.Context, actor access.Actor, driverID types.ID) (*Driver, error) {
	if err := s.requireSelf(actor, driverID); err != nil {
		return nil, err
	}
	d, err := s.repo.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case StatusPending:
		return d, nil
	case StatusVerified:
		return nil, apperr.ErrInvalidState
	}
	if err := s.checkReady(ctx, driverID); err != nil {
		return nil, err
	}
	next := *d
	next.Status = StatusPending
	next.DeclineReason = nil
	return s.commit(ctx, actor, d, &next, "")
}

// Approve verifies a pending driver, or a declined one whose documents are
// complete again.
func (s *Service) Approve(ctx context.Context, actor access.Actor, driverID types.ID) (*Driver, error) {
	if err := access.Require(actor, access.CapDriverReview); err != nil {
		return nil, err
	}
	d, err := s.repo.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPending && d.Status != StatusDeclined {
		return nil, apperr.ErrInvalidState
	}
	if err := s.checkReady(ctx, driverID); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	next := *d
	next.Status = StatusVerified
	next.DeclineReason = nil
	next.VerifiedAt = &now
	next.VerifiedBy = types.IDPtr(actor.ID)
	return s.commit(ctx, actor, d, &next, "")
}

func (s *Service) Decline(ctx context.Context, actor access.Actor, driverID types.ID, reason string) (*Driver, error) {
	if err := access.Require(actor, access.CapDriverReview); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.ErrBadRequest
	}
	d, err := s.repo.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(d.Status, StatusDeclined) {
		return nil, apperr.ErrInvalidState
	}
	next := *d
	next.Status = StatusDeclined
	next.Available = false
	next.DeclineReason = &reason
	return s.commit(ctx, actor, d, &next, reason)
}

// SetAvailability toggles the availability flag of a verified driver. Drivers
// may only change their own flag; admins must leave a note.
func (s *Service) SetAvailability(ctx context.Context, actor access.Actor, driverID types.ID, desired bool, note string) (*Driver, error) {
	if err := access.Require(actor, access.CapDriverAvailability); err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	switch {
	case actor.IsAdmin():
		if note == "" {
			return nil, apperr.ErrBadRequest
		}
	case !actor.IsDriver(driverID):
		return nil, apperr.ErrPermissionDenied
	}

	ok, err := s.repo.SetAvailability(ctx, &AvailabilityChange{
		DriverID:  driverID,
		Desired:   desired,
		ActorRole: string(actor.Role),
		ActorID:   actor.ID,
		Note:      note,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	d, err := s.repo.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if d.Status != StatusVerified {
			return nil, apperr.ErrNotVerified
		}
		metrics.Conflicts.WithLabelValues("driver").Inc()
		return nil, apperr.ErrConflict
	}
	s.publishChange(ctx, d)
	return d, nil
}

// UploadDocument replaces the live document of the given type. A verified
// driver goes back to pending in the same transaction.
func (s *Service) UploadDocument(ctx context.Context, actor access.Actor, cmd UploadCommand) (*Document, error) {
	if err := s.requireSelfOrReviewer(actor, cmd.DriverID); err != nil {
		return nil, err
	}
	if !cmd.Type.Valid() || strings.TrimSpace(cmd.Location) == "" {
		return nil, apperr.ErrBadRequest
	}
	if _, err := s.repo.Get(ctx, cmd.DriverID); err != nil {
		return nil, err
	}
	doc := &Document{
		ID:         types.NewID(),
		DriverID:   cmd.DriverID,
		Type:       cmd.Type,
		Location:   strings.TrimSpace(cmd.Location),
		ExpiresAt:  cmd.ExpiresAt,
		UploadedAt: s.clock.Now(),
	}
	demoted, err := s.repo.ReplaceDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	if demoted {
		s.afterDemotion(ctx, actor, cmd.DriverID)
	}
	return doc, nil
}

// OnDocumentChanged demotes a verified driver to pending. It is a no-op in
// any other status.
func (s *Service) OnDocumentChanged(ctx context.Context, actor access.Actor, driverID types.ID) error {
	demoted, err := s.repo.Demote(ctx, driverID, s.clock.Now())
	if err != nil {
		return err
	}
	if demoted {
		s.afterDemotion(ctx, actor, driverID)
	}
	return nil
}

// SetDocumentVerified records an admin's verdict on a document. Revoking
// verification counts as a document change.
func (s *Service) SetDocumentVerified(ctx context.Context, actor access.Actor, docID types.ID, verified bool) (*Document, error) {
	if err := access.Require(actor, access.CapDriverReview); err != nil {
		return nil, err
	}
	doc, demoted, err := s.repo.SetDocumentVerified(ctx, docID, verified, !verified, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if demoted {
		s.afterDemotion(ctx, actor, doc.DriverID)
	}
	return doc, nil
}

// CheckAssignable fails unless the driver exists and is verified.
// Availability is not considered.
func (s *Service) CheckAssignable(ctx context.Context, driverID types.ID) error {
	d, err := s.repo.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if d.Status != StatusVerified {
		return apperr.ErrDriverNotReady
	}
	return nil
}

func (s *Service) Get(ctx context.Context, actor access.Actor, driverID types.ID) (*Driver, error) {
	if err := s.requireSelfOrReader(actor, driverID); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, driverID)
}

func (s *Service) List(ctx context.Context, actor access.Actor, f Filter) ([]Driver, error) {
	if err := access.Require(actor, access.CapDriverReadAll); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.ErrBadRequest
	}
	return s.repo.List(ctx, f)
}

func (s *Service) Documents(ctx context.Context, actor access.Actor, driverID types.ID) ([]Document, error) {
	if err := s.requireSelfOrReader(actor, driverID); err != nil {
		return nil, err
	}
	return s.repo.Documents(ctx, driverID)
}

// AvailabilityLog lists every availability toggle of a driver, oldest first.
func (s *Service) AvailabilityLog(ctx context.Context, actor access.Actor, driverID types.ID) ([]AvailabilityChange, error) {
	if err := s.requireSelfOrReader(actor, driverID); err != nil {
		return nil, err
	}
	return s.repo.AvailabilityLog(ctx, driverID)
}

func (s *Service) Readiness(ctx context.Context, actor access.Actor, driverID types.ID) (Readiness, error) {
	if err := s.requireSelfOrReader(actor, driverID); err != nil {
		return Readiness{}, err
	}
	docs, err := s.repo.Documents(ctx, driverID)
	if err != nil {
		return Readiness{}, err
	}
	return Evaluate(docs, s.clock.Now()), nil
}

func (s *Service) checkReady(ctx context.Context, driverID types.ID) error {
	docs, err := s.repo.Documents(ctx, driverID)
	if err != nil {
		return err
	}
	r := Evaluate(docs, s.clock.Now())
	if !r.Ready {
		return &apperr.MissingDocumentsError{Missing: r.MissingStrings()}
	}
	return nil
}

func (s *Service) commit(ctx context.Context, actor access.Actor, cur, next *Driver, note string) (*Driver, error) {
	next.StatusVersion = cur.StatusVersion + 1
	next.UpdatedAt = s.clock.Now()
	ok, err := s.repo.UpdateStatus(ctx, cur, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.Conflicts.WithLabelValues("driver").Inc()
		return nil, apperr.ErrConflict
	}
	metrics.DriverTransitions.WithLabelValues(string(next.Status)).Inc()
	s.publishChange(ctx, next)
	s.publishEvent(ctx, actor, next.ID, cur.Status, next.Status, note)
	return next, nil
}

func (s *Service) afterDemotion(ctx context.Context, actor access.Actor, driverID types.ID) {
	s.log.Info("driver demoted after document change", zap.String("driver_id", driverID.String()))
	metrics.DriverTransitions.WithLabelValues(string(StatusPending)).Inc()
	if d, err := s.repo.Get(ctx, driverID); err == nil {
		s.publishChange(ctx, d)
	}
	s.publishEvent(ctx, actor, driverID, StatusVerified, StatusPending, "document changed")
}

func (s *Service) publishChange(ctx context.Context, d *Driver) {
	err := s.feed.Publish(ctx, realtime.Change{
		Table:   "drivers",
		RowID:   d.ID.String(),
		Op:      "update",
		Filters: map[string]string{"id": d.ID.String(), "account_id": d.AccountID.String()},
	})
	if err != nil {
		s.log.Warn("publish driver change", zap.String("driver_id", d.ID.String()), zap.Error(err))
	}
}

func (s *Service) publishEvent(ctx context.Context, actor access.Actor, driverID types.ID, from, to Status, note string) {
	data := map[string]any{"from": string(from), "to": string(to)}
	if note != "" {
		data["note"] = note
	}
	err := s.events.Publish(ctx, events.Event{
		Key:       "driver." + string(to),
		EntityID:  driverID.String(),
		ActorRole: string(actor.Role),
		ActorID:   actor.ID.String(),
		Data:      data,
	})
	if err != nil {
		s.log.Warn("publish driver event", zap.String("driver_id", driverID.String()), zap.Error(err))
	}
}

func (s *Service) requireSelf(actor access.Actor, driverID types.ID) error {
	if err := access.Require(actor, access.CapDriverSelf); err != nil {
		return err
	}
	if !actor.IsDriver(driverID) {
		return apperr.ErrPermissionDenied
	}
	return nil
}

func (s *Service) requireSelfOrReviewer(actor access.Actor, driverID types.ID) error {
	if access.Can(actor, access.CapDriverReview) && actor.ID != "" {
		return nil
	}
	return s.requireSelf(actor, driverID)
}

func (s *Service) requireSelfOrReader(actor access.Actor, driverID types.ID) error {
	if access.Can(actor, access.CapDriverReadAll) && actor.ID != "" {
		return nil
	}
	return s.requireSelf(actor, driverID)
}
