// README: JSON representations returned by the API.
package handlers

import (
	"time"

	"shuttle/internal/modules/checkout"
	"shuttle/internal/modules/driver"
	"shuttle/internal/modules/invite"
	"shuttle/internal/modules/trip"
	"shuttle/internal/types"
)

type tripView struct {
	ID                 types.ID    `json:"id"`
	CustomerID         types.ID    `json:"customer_id"`
	DriverID           *types.ID   `json:"driver_id"`
	Pickup             string      `json:"pickup"`
	Dropoff            string      `json:"dropoff"`
	ScheduledAt        time.Time   `json:"scheduled_at"`
	Status             trip.Status `json:"status"`
	DriverAcknowledged bool        `json:"driver_acknowledged"`
	PriceCents         int64       `json:"price_cents"`
	Currency           string      `json:"currency"`
	AcceptedAt         *time.Time  `json:"accepted_at,omitempty"`
	StartedAt          *time.Time  `json:"started_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty"`
	CancelledBy        *string     `json:"cancelled_by,omitempty"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func newTripView(t *trip.Trip) tripView {
	return tripView{
		ID:                 t.ID,
		CustomerID:         t.CustomerID,
		DriverID:           t.DriverID,
		Pickup:             t.Pickup,
		Dropoff:            t.Dropoff,
		ScheduledAt:        t.ScheduledAt,
		Status:             t.Status,
		DriverAcknowledged: t.DriverAcknowledged,
		PriceCents:         t.Price.Amount,
		Currency:           t.Price.Currency,
		AcceptedAt:         t.AcceptedAt,
		StartedAt:          t.StartedAt,
		CompletedAt:        t.CompletedAt,
		CancelledAt:        t.CancelledAt,
		CancelledBy:        t.CancelledBy,
		UpdatedAt:          t.UpdatedAt,
	}
}

func newTripViews(ts []trip.Trip) []tripView {
	out := make([]tripView, 0, len(ts))
	for i := range ts {
		out = append(out, newTripView(&ts[i]))
	}
	return out
}

type tripEventView struct {
	From      trip.Status `json:"from"`
	To        trip.Status `json:"to"`
	ActorRole string      `json:"actor_role"`
	ActorID   *types.ID   `json:"actor_id,omitempty"`
	Note      string      `json:"note,omitempty"`
	At        time.Time   `json:"at"`
}

type driverView struct {
	ID            types.ID      `json:"id"`
	AccountID     types.ID      `json:"account_id"`
	Status        driver.Status `json:"status"`
	Available     bool          `json:"available"`
	LicenseNumber string        `json:"license_number,omitempty"`
	DeclineReason *string       `json:"decline_reason,omitempty"`
	VerifiedAt    *time.Time    `json:"verified_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func newDriverView(d *driver.Driver) driverView {
	return driverView{
		ID:            d.ID,
		AccountID:     d.AccountID,
		Status:        d.Status,
		Available:     d.Available,
		LicenseNumber: d.LicenseNumber,
		DeclineReason: d.DeclineReason,
		VerifiedAt:    d.VerifiedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type documentView struct {
	ID         types.ID       `json:"id"`
	Type       driver.DocType `json:"type"`
	Location   string         `json:"location"`
	Verified   bool           `json:"verified"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	UploadedAt time.Time      `json:"uploaded_at"`
}

func newDocumentView(d *driver.Document) documentView {
	return documentView{ID: d.ID, Type: d.Type, Location: d.Location, Verified: d.Verified, ExpiresAt: d.ExpiresAt, UploadedAt: d.UploadedAt}
}

func newDocumentViews(docs []driver.Document) []documentView {
	out := make([]documentView, 0, len(docs))
	for i := range docs {
		out = append(out, newDocumentView(&docs[i]))
	}
	return out
}

type availabilityView struct {
	Desired   bool      `json:"desired"`
	ActorRole string    `json:"actor_role"`
	ActorID   types.ID  `json:"actor_id"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newAvailabilityView(c driver.AvailabilityChange) availabilityView {
	return availabilityView{Desired: c.Desired, ActorRole: c.ActorRole, ActorID: c.ActorID, Note: c.Note, CreatedAt: c.CreatedAt}
}

type outcomeView struct {
	State        checkout.State `json:"state"`
	TripID       types.ID       `json:"trip_id,omitempty"`
	PaymentID    types.ID       `json:"payment_id,omitempty"`
	IntentID     string         `json:"intent_id,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
}

func newOutcomeView(o *checkout.Outcome) outcomeView {
	return outcomeView{State: o.State, TripID: o.TripID, PaymentID: o.PaymentID, IntentID: o.IntentID, ClientSecret: o.ClientSecret}
}

type paymentView struct {
	ID          types.ID               `json:"id"`
	TripID      types.ID               `json:"trip_id"`
	AmountCents int64                  `json:"amount_cents"`
	Currency    string                 `json:"currency"`
	Method      checkout.Method        `json:"method"`
	Status      checkout.PaymentStatus `json:"status"`
	PaidAt      *time.Time             `json:"paid_at,omitempty"`
}

func newPaymentView(p *checkout.Payment) paymentView {
	return paymentView{
		ID:          p.ID,
		TripID:      p.TripID,
		AmountCents: p.Amount.Amount,
		Currency:    p.Amount.Currency,
		Method:      p.Method,
		Status:      p.Status,
		PaidAt:      p.PaidAt,
	}
}

type inviteView struct {
	Code      string        `json:"code"`
	Role      string        `json:"role"`
	Status    invite.Status `json:"status"`
	CreatedBy types.ID      `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	UsedAt    *time.Time    `json:"used_at,omitempty"`
	UsedBy    *types.ID     `json:"used_by,omitempty"`
}

func newInviteView(l *invite.Link) inviteView {
	return inviteView{
		Code:      l.Code,
		Role:      string(l.Role),
		Status:    l.Status,
		CreatedBy: l.CreatedBy,
		CreatedAt: l.CreatedAt,
		ExpiresAt: l.ExpiresAt,
		UsedAt:    l.UsedAt,
		UsedBy:    l.UsedBy,
	}
}
