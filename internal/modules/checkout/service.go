// README: Checkout orchestrator sequences gateway confirmation with trip and payment creation.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/events"
	"shuttle/internal/metrics"
	"shuttle/internal/modules/trip"
	"shuttle/internal/realtime"
	"shuttle/internal/retry"
	"shuttle/internal/types"
)

type Repository interface {
	Book(ctx context.Context, t *trip.Trip, p *Payment) error
	PaymentByIntent(ctx context.Context, intentID string) (*Payment, error)
	PaymentForTrip(ctx context.Context, tripID types.ID) (*Payment, error)
}

type Deps struct {
	Repo           Repository
	Gateway        Gateway
	Feed           realtime.Feed
	Events         events.Publisher
	Clock          clock.Clock
	Log            *zap.Logger
	Retry          retry.Policy
	Currency       string
	GatewayTimeout time.Duration
}

type Service struct {
	repo           Repository
	gateway        Gateway
	feed           realtime.Feed
	events         events.Publisher
	clock          clock.Clock
	log            *zap.Logger
	retry          retry.Policy
	currency       string
	gatewayTimeout time.Duration
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:           d.Repo,
		gateway:        d.Gateway,
		feed:           d.Feed,
		events:         d.Events,
		clock:          d.Clock,
		log:            d.Log,
		retry:          d.Retry,
		currency:       d.Currency,
		gatewayTimeout: d.GatewayTimeout,
	}
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
	if s.retry.MaxAttempts == 0 {
		s.retry = retry.Default()
	}
	if s.currency == "" {
		s.currency = types.DefaultCurrency
	}
	if s.gatewayTimeout <= 0 {
		s.gatewayTimeout = 15 * time.Second
	}
	return s
}

// StartCard creates a gateway intent for the draft. Nothing is stored until
// the gateway reports success.
func (s *Service) StartCard(ctx context.Context, actor access.Actor, d Draft) (*Outcome, error) {
	d, err := s.prepare(actor, d)
	if err != nil {
		return nil, err
	}
	in, err := s.callGateway(ctx, "create_intent", func(ctx context.Context) (*Intent, error) {
		return s.gateway.CreateIntent(ctx, d.Price, draftMetadata(d))
	})
	if err != nil {
		metrics.CheckoutOutcomes.WithLabelValues(string(MethodCard), "failed").Inc()
		return nil, err
	}
	return &Outcome{State: StateAwaitingPayment, IntentID: in.ID, ClientSecret: in.ClientSecret}, nil
}

// ConfirmCard confirms the intent synchronously and books it on success.
// Ownership is checked on the stored intent before anything is charged.
func (s *Service) ConfirmCard(ctx context.Context, actor access.Actor, clientSecret string, details CardDetails) (*Outcome, error) {
	if err := access.Require(actor, access.CapCheckout); err != nil {
		return nil, err
	}
	cur, err := s.callGateway(ctx, "retrieve", func(ctx context.Context) (*Intent, error) {
		return s.gateway.Retrieve(ctx, clientSecret)
	})
	if err != nil {
		return nil, err
	}
	if err := ownsIntent(actor, cur); err != nil {
		return nil, err
	}
	in, err := s.callGateway(ctx, "confirm", func(ctx context.Context) (*Intent, error) {
		return s.gateway.Confirm(ctx, clientSecret, details)
	})
	if err != nil {
		metrics.CheckoutOutcomes.WithLabelValues(string(MethodCard), "failed").Inc()
		return nil, err
	}
	return s.settle(ctx, actor, in)
}

// CompleteReturn handles the redirect back from a 3-D Secure challenge.
func (s *Service) CompleteReturn(ctx context.Context, actor access.Actor, clientSecret string) (*Outcome, error) {
	if err := access.Require(actor, access.CapCheckout); err != nil {
		return nil, err
	}
	in, err := s.callGateway(ctx, "retrieve", func(ctx context.Context) (*Intent, error) {
		return s.gateway.Retrieve(ctx, clientSecret)
	})
	if err != nil {
		return nil, err
	}
	if err := ownsIntent(actor, in); err != nil {
		return nil, err
	}
	return s.settle(ctx, actor, in)
}

// HandleIntentSucceeded books an intent reported by the gateway webhook.
func (s *Service) HandleIntentSucceeded(ctx context.Context, actor access.Actor, in *Intent) (*Outcome, error) {
	if err := access.Require(actor, access.CapFinalizePayment); err != nil {
		return nil, err
	}
	if in == nil || in.Status != IntentSucceeded {
		return nil, fmt.Errorf("%w: intent has not succeeded", apperr.ErrBadRequest)
	}
	return s.finalize(ctx, actor, in)
}

// BookCash creates the trip with a pending cash payment. No gateway call is made.
func (s *Service) BookCash(ctx context.Context, actor access.Actor, d Draft) (*Outcome, error) {
	d, err := s.prepare(actor, d)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	t := trip.NewPending(types.NewID(), d.CustomerID, d.Pickup, d.Dropoff, d.ScheduledAt, d.Price, now)
	p := &Payment{
		ID:        types.NewID(),
		TripID:    t.ID,
		Amount:    d.Price,
		Method:    MethodCash,
		Status:    PaymentPending,
		CreatedAt: now,
	}
	if err := s.book(ctx, t, p); err != nil {
		metrics.CheckoutOutcomes.WithLabelValues(string(MethodCash), "failed").Inc()
		return nil, err
	}
	s.confirmed(ctx, actor, t, p)
	return &Outcome{State: StateConfirmed, TripID: t.ID, PaymentID: p.ID}, nil
}

func (s *Service) prepare(actor access.Actor, d Draft) (Draft, error) {
	if err := access.Require(actor, access.CapCheckout); err != nil {
		return d, err
	}
	// Customers always book for themselves.
	d.CustomerID = actor.ID
	if d.Price.Currency == "" {
		d.Price.Currency = s.currency
	}
	if err := d.Validate(s.clock.Now()); err != nil {
		return d, err
	}
	return d, nil
}

func (s *Service) settle(ctx context.Context, actor access.Actor, in *Intent) (*Outcome, error) {
	switch in.Status {
	case IntentSucceeded:
		return s.finalize(ctx, actor, in)
	case IntentProcessing, IntentRequiresAction, IntentRequiresConfirmation, IntentRequiresCapture:
		metrics.CheckoutOutcomes.WithLabelValues(string(MethodCard), string(StateAwaitingPayment)).Inc()
		return &Outcome{State: StateAwaitingPayment, IntentID: in.ID, ClientSecret: in.ClientSecret}, nil
	default:
		metrics.CheckoutOutcomes.WithLabelValues(string(MethodCard), "failed").Inc()
		return nil, &apperr.GatewayError{Op: "confirm", Code: string(in.Status), Retryable: false}
	}
}

// finalize is idempotent per intent: the webhook and the return redirect may
// both arrive for the same payment.
func (s *Service) finalize(ctx context.Context, actor access.Actor, in *Intent) (*Outcome, error) {
	if existing, err := s.repo.PaymentByIntent(ctx, in.ID); err == nil {
		return &Outcome{State: StateConfirmed, TripID: existing.TripID, PaymentID: existing.ID, IntentID: in.ID}, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		s.log.Warn("lookup payment by intent", zap.String("intent_id", in.ID), zap.Error(err))
	}

	d, err := draftFromIntent(in)
	if err != nil {
		return s.followUp(ctx, actor, in, err)
	}
	now := s.clock.Now()
	intentID := in.ID
	t := trip.NewPending(types.NewID(), d.CustomerID, d.Pickup, d.Dropoff, d.ScheduledAt, d.Price, now)
	p := &Payment{
		ID:              types.NewID(),
		TripID:          t.ID,
		Amount:          d.Price,
		Method:          MethodCard,
		Status:          PaymentCompleted,
		PaidAt:          &now,
		GatewayIntentID: &intentID,
		CreatedAt:       now,
	}

	err = s.book(ctx, t, p)
	if errors.Is(err, apperr.ErrConflict) {
		existing, lerr := s.repo.PaymentByIntent(ctx, in.ID)
		if lerr == nil {
			return &Outcome{State: StateConfirmed, TripID: existing.TripID, PaymentID: existing.ID, IntentID: in.ID}, nil
		}
		err = lerr
	}
	if err != nil {
		return s.followUp(ctx, actor, in, err)
	}
	s.confirmed(ctx, actor, t, p)
	return &Outcome{State: StateConfirmed, TripID: t.ID, PaymentID: p.ID, IntentID: in.ID}, nil
}

func (s *Service) book(ctx context.Context, t *trip.Trip, p *Payment) error {
	policy := s.retry
	policy.OnRetry = func(err error, next time.Duration) {
		metrics.RetryAttempts.WithLabelValues("checkout.book").Inc()
		s.log.Warn("retrying booking", zap.String("trip_id", t.ID.String()), zap.Duration("next", next), zap.Error(err))
	}
	return retry.Run(ctx, policy, func(ctx context.Context) error {
		return s.repo.Book(ctx, t, p)
	})
}

func (s *Service) followUp(ctx context.Context, actor access.Actor, in *Intent, cause error) (*Outcome, error) {
	s.log.Error("payment captured but booking not committed",
		zap.String("intent_id", in.ID),
		zap.Int64("amount_cents", in.Amount.Amount),
		zap.String("customer_id", in.Metadata[metaCustomer]),
		zap.Error(cause),
	)
	metrics.CheckoutOutcomes.WithLabelValues(string(MethodCard), string(StateCapturedPendingFollowUp)).Inc()
	if err := s.events.Publish(ctx, events.Event{
		Key:        "booking.followup_required",
		EntityID:   in.ID,
		ActorRole:  string(actor.Role),
		ActorID:    actor.ID.String(),
		Data:       map[string]any{"amount_cents": in.Amount.Amount, "currency": in.Amount.Currency, "error": cause.Error()},
		OccurredAt: s.clock.Now(),
	}); err != nil {
		s.log.Warn("publish follow-up event", zap.String("intent_id", in.ID), zap.Error(err))
	}
	return &Outcome{State: StateCapturedPendingFollowUp, IntentID: in.ID},
		fmt.Errorf("%w: %v", apperr.ErrCapturedPendingFollowUp, cause)
}

func (s *Service) confirmed(ctx context.Context, actor access.Actor, t *trip.Trip, p *Payment) {
	metrics.CheckoutOutcomes.WithLabelValues(string(p.Method), string(StateConfirmed)).Inc()
	change := realtime.Change{
		Table:   "trips",
		RowID:   t.ID.String(),
		Op:      "insert",
		Filters: map[string]string{"customer_id": t.CustomerID.String()},
		At:      t.CreatedAt,
	}
	if err := s.feed.Publish(ctx, change); err != nil {
		s.log.Warn("publish trip change", zap.String("trip_id", t.ID.String()), zap.Error(err))
	}
	if err := s.events.Publish(ctx, events.Event{
		Key:       "booking.confirmed",
		EntityID:  t.ID.String(),
		ActorRole: string(actor.Role),
		ActorID:   actor.ID.String(),
		Data: map[string]any{
			"customer_id":  t.CustomerID.String(),
			"payment_id":   p.ID.String(),
			"method":       string(p.Method),
			"amount_cents": p.Amount.Amount,
			"currency":     p.Amount.Currency,
		},
		OccurredAt: t.CreatedAt,
	}); err != nil {
		s.log.Warn("publish booking event", zap.String("trip_id", t.ID.String()), zap.Error(err))
	}
	s.log.Info("booking confirmed",
		zap.String("trip_id", t.ID.String()),
		zap.String("payment_id", p.ID.String()),
		zap.String("method", string(p.Method)),
	)
}

func (s *Service) callGateway(ctx context.Context, op string, fn func(context.Context) (*Intent, error)) (*Intent, error) {
	policy := s.retry
	policy.OnRetry = func(err error, next time.Duration) {
		metrics.RetryAttempts.WithLabelValues("gateway." + op).Inc()
		s.log.Warn("retrying gateway call", zap.String("op", op), zap.Duration("next", next), zap.Error(err))
	}
	return retry.Do(ctx, policy, func(ctx context.Context) (*Intent, error) {
		cctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		defer cancel()
		return fn(cctx)
	})
}

// Payment returns the payment row of t. The owning customer and the assigned
// driver, who collects cash fares, may read it.
func (s *Service) Payment(ctx context.Context, actor access.Actor, t *trip.Trip) (*Payment, error) {
	if t == nil {
		return nil, apperr.ErrNotFound
	}
	switch {
	case access.Can(actor, access.CapTripReadAll):
	case actor.Role == access.RoleCustomer && t.CustomerID == actor.ID:
	case t.HasDriver() && actor.IsDriver(*t.DriverID):
	default:
		return nil, apperr.ErrPermissionDenied
	}
	return s.repo.PaymentForTrip(ctx, t.ID)
}

func ownsIntent(actor access.Actor, in *Intent) error {
	if in.Metadata[metaCustomer] != actor.ID.String() {
		return apperr.ErrPermissionDenied
	}
	return nil
}
