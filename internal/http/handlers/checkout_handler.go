// README: Checkout handlers for card and cash bookings and the Stripe webhook.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/http/middleware"
	"shuttle/internal/modules/checkout"
	"shuttle/internal/modules/trip"
	"shuttle/internal/types"
)

const maxWebhookBody = 64 << 10

type CheckoutService interface {
	StartCard(ctx context.Context, actor access.Actor, d checkout.Draft) (*checkout.Outcome, error)
	ConfirmCard(ctx context.Context, actor access.Actor, clientSecret string, details checkout.CardDetails) (*checkout.Outcome, error)
	CompleteReturn(ctx context.Context, actor access.Actor, clientSecret string) (*checkout.Outcome, error)
	HandleIntentSucceeded(ctx context.Context, actor access.Actor, in *checkout.Intent) (*checkout.Outcome, error)
	BookCash(ctx context.Context, actor access.Actor, d checkout.Draft) (*checkout.Outcome, error)
	Payment(ctx context.Context, actor access.Actor, t *trip.Trip) (*checkout.Payment, error)
}

// TripReader loads a trip with the caller's read permissions applied.
type TripReader interface {
	Get(ctx context.Context, actor access.Actor, tripID types.ID) (*trip.Trip, error)
}

// WebhookParser verifies a gateway delivery. It returns nil for events that
// need no action.
type WebhookParser interface {
	SucceededIntent(payload []byte, signature string) (*checkout.Intent, error)
}

type CheckoutHandler struct {
	checkout CheckoutService
	webhooks WebhookParser
	trips    TripReader
}

func NewCheckoutHandler(svc CheckoutService, webhooks WebhookParser, trips TripReader) *CheckoutHandler {
	return &CheckoutHandler{checkout: svc, webhooks: webhooks, trips: trips}
}

type draftReq struct {
	Pickup      string    `json:"pickup"`
	Dropoff     string    `json:"dropoff"`
	ScheduledAt time.Time `json:"scheduled_at"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
}

func (r draftReq) draft() checkout.Draft {
	return checkout.Draft{
		Pickup:      r.Pickup,
		Dropoff:     r.Dropoff,
		ScheduledAt: r.ScheduledAt,
		Price:       types.Money{Amount: r.AmountCents, Currency: r.Currency},
	}
}

func (h *CheckoutHandler) Cash(c *gin.Context) {
	var req draftReq
	if !bindJSON(c, &req) {
		return
	}
	out, err := h.checkout.BookCash(c.Request.Context(), middleware.Actor(c), req.draft())
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newOutcomeView(out))
}

func (h *CheckoutHandler) StartCard(c *gin.Context) {
	var req draftReq
	if !bindJSON(c, &req) {
		return
	}
	out, err := h.checkout.StartCard(c.Request.Context(), middleware.Actor(c), req.draft())
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newOutcomeView(out))
}

type confirmReq struct {
	ClientSecret  string `json:"client_secret"`
	PaymentMethod string `json:"payment_method"`
	ReturnURL     string `json:"return_url"`
}

func (h *CheckoutHandler) ConfirmCard(c *gin.Context) {
	var req confirmReq
	if !bindJSON(c, &req) {
		return
	}
	if req.ClientSecret == "" {
		writeError(c, http.StatusBadRequest, "missing client_secret")
		return
	}
	out, err := h.checkout.ConfirmCard(c.Request.Context(), middleware.Actor(c), req.ClientSecret, checkout.CardDetails{
		PaymentMethod: req.PaymentMethod,
		ReturnURL:     req.ReturnURL,
	})
	h.writeOutcome(c, out, err)
}

// Return handles the redirect back from a payment challenge. Stripe appends
// payment_intent_client_secret to the return URL.
func (h *CheckoutHandler) Return(c *gin.Context) {
	secret := c.Query("payment_intent_client_secret")
	if secret == "" {
		writeError(c, http.StatusBadRequest, "missing payment_intent_client_secret")
		return
	}
	out, err := h.checkout.CompleteReturn(c.Request.Context(), middleware.Actor(c), secret)
	h.writeOutcome(c, out, err)
}

func (h *CheckoutHandler) writeOutcome(c *gin.Context, out *checkout.Outcome, err error) {
	if err != nil {
		writeAppError(c, err)
		return
	}
	status := http.StatusOK
	if out.State == checkout.StateConfirmed {
		status = http.StatusCreated
	} else if out.State == checkout.StateAwaitingPayment {
		status = http.StatusAccepted
	}
	writeJSON(c, status, newOutcomeView(out))
}

// Webhook books intents confirmed out of band. A booking that could not be
// committed answers 503 so the gateway redelivers the event.
func (h *CheckoutHandler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		writeError(c, http.StatusBadRequest, "unreadable body")
		return
	}
	in, err := h.webhooks.SucceededIntent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	if in == nil {
		c.Status(http.StatusOK)
		return
	}
	out, err := h.checkout.HandleIntentSucceeded(c.Request.Context(), access.System, in)
	if errors.Is(err, apperr.ErrCapturedPendingFollowUp) {
		writeError(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOutcomeView(out))
}

// TripPayment shows how a trip was paid.
func (h *CheckoutHandler) TripPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	actor := middleware.Actor(c)
	t, err := h.trips.Get(c.Request.Context(), actor, id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	p, err := h.checkout.Payment(c.Request.Context(), actor, t)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newPaymentView(p))
}
