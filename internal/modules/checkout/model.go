// README: Checkout types: booking drafts, payment rows, gateway intents and outcomes.
package checkout

import (
	"fmt"
	"strings"
	"time"

	"shuttle/internal/apperr"
	"shuttle/internal/types"
)

type Method string

const (
	MethodCard Method = "card"
	MethodCash Method = "cash"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// State is what the caller is told about a checkout attempt.
type State string

const (
	StateAwaitingPayment State = "awaiting_payment"
	StateConfirmed       State = "confirmed"
	// StateCapturedPendingFollowUp means money was taken but the booking
	// rows could not be committed.
	StateCapturedPendingFollowUp State = "captured_pending_follow_up"
)

// Draft is a booking the customer has not paid for yet.
type Draft struct {
	CustomerID  types.ID
	Pickup      string
	Dropoff     string
	ScheduledAt time.Time
	Price       types.Money
}

func (d Draft) Validate(now time.Time) error {
	switch {
	case d.CustomerID == "":
		return fmt.Errorf("%w: customer is required", apperr.ErrBadRequest)
	case strings.TrimSpace(d.Pickup) == "":
		return fmt.Errorf("%w: pickup is required", apperr.ErrBadRequest)
	case strings.TrimSpace(d.Dropoff) == "":
		return fmt.Errorf("%w: dropoff is required", apperr.ErrBadRequest)
	case !d.ScheduledAt.After(now):
		return fmt.Errorf("%w: scheduled time must be in the future", apperr.ErrBadRequest)
	case !d.Price.IsPositive():
		return fmt.Errorf("%w: amount must be positive", apperr.ErrBadRequest)
	}
	return nil
}

type Payment struct {
	ID              types.ID
	TripID          types.ID
	Amount          types.Money
	Method          Method
	Status          PaymentStatus
	PaidAt          *time.Time
	GatewayIntentID *string
	CreatedAt       time.Time
}

type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentCanceled              IntentStatus = "canceled"
)

// Intent is the gateway's view of a card payment.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Amount       types.Money
	Metadata     map[string]string
}

// CardDetails is what the client supplies to confirm an intent.
type CardDetails struct {
	PaymentMethod string
	ReturnURL     string
}

// Outcome is the result of a checkout step.
type Outcome struct {
	State        State
	TripID       types.ID
	PaymentID    types.ID
	IntentID     string
	ClientSecret string
}

const (
	metaCustomer    = "customer_id"
	metaPickup      = "pickup"
	metaDropoff     = "dropoff"
	metaScheduledAt = "scheduled_at"
	metaMethod      = "method"
)

func draftMetadata(d Draft) map[string]string {
	return map[string]string{
		metaCustomer:    d.CustomerID.String(),
		metaPickup:      d.Pickup,
		metaDropoff:     d.Dropoff,
		metaScheduledAt: d.ScheduledAt.UTC().Format(time.RFC3339),
		metaMethod:      string(MethodCard),
	}
}

// draftFromIntent rebuilds the booking from the metadata it was tagged with.
// The amount is taken from the intent itself.
func draftFromIntent(in *Intent) (Draft, error) {
	at, err := time.Parse(time.RFC3339, in.Metadata[metaScheduledAt])
	if err != nil {
		return Draft{}, fmt.Errorf("%w: intent %s has no valid scheduled time", apperr.ErrBadRequest, in.ID)
	}
	d := Draft{
		CustomerID:  types.ID(in.Metadata[metaCustomer]),
		Pickup:      in.Metadata[metaPickup],
		Dropoff:     in.Metadata[metaDropoff],
		ScheduledAt: at,
		Price:       in.Amount,
	}
	if d.CustomerID == "" || d.Pickup == "" || d.Dropoff == "" || !d.Price.IsPositive() {
		return Draft{}, fmt.Errorf("%w: intent %s is missing booking metadata", apperr.ErrBadRequest, in.ID)
	}
	return d, nil
}

// IntentIDFromSecret extracts the intent id from a client secret of the form
// "<id>_secret_<token>".
func IntentIDFromSecret(secret string) (string, error) {
	id, _, ok := strings.Cut(secret, "_secret_")
	if !ok || id == "" {
		return "", fmt.Errorf("%w: malformed client secret", apperr.ErrBadRequest)
	}
	return id, nil
}
