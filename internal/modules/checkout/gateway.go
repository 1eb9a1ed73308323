// README: Payment gateway port and its Stripe implementation.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"shuttle/internal/apperr"
	"shuttle/internal/types"
)

type Gateway interface {
	CreateIntent(ctx context.Context, amount types.Money, metadata map[string]string) (*Intent, error)
	Confirm(ctx context.Context, clientSecret string, details CardDetails) (*Intent, error)
	Retrieve(ctx context.Context, clientSecret string) (*Intent, error)
}

type StripeGateway struct {
	api           *client.API
	webhookSecret string
	returnURL     string
}

func NewStripeGateway(api *client.API, webhookSecret, returnURL string) *StripeGateway {
	return &StripeGateway{api: api, webhookSecret: webhookSecret, returnURL: returnURL}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, amount types.Money, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.Amount),
		Currency: stripe.String(strings.ToLower(amount.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, gatewayError("create_intent", err)
	}
	return fromStripe(pi), nil
}

func (g *StripeGateway) Confirm(ctx context.Context, clientSecret string, details CardDetails) (*Intent, error) {
	id, err := IntentIDFromSecret(clientSecret)
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if details.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(details.PaymentMethod)
	}
	returnURL := details.ReturnURL
	if returnURL == "" {
		returnURL = g.returnURL
	}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	pi, err := g.api.PaymentIntents.Confirm(id, params)
	if err != nil {
		return nil, gatewayError("confirm", err)
	}
	return fromStripe(pi), nil
}

func (g *StripeGateway) Retrieve(ctx context.Context, clientSecret string) (*Intent, error) {
	id, err := IntentIDFromSecret(clientSecret)
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, gatewayError("retrieve", err)
	}
	return fromStripe(pi), nil
}

// SucceededIntent verifies a webhook delivery and returns the intent for
// payment_intent.succeeded events. Other event types yield nil.
func (g *StripeGateway) SucceededIntent(payload []byte, signature string) (*Intent, error) {
	ev, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook signature: %v", apperr.ErrBadRequest, err)
	}
	if ev.Type != stripe.EventTypePaymentIntentSucceeded {
		return nil, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: webhook payload: %v", apperr.ErrBadRequest, err)
	}
	return fromStripe(&pi), nil
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		Amount:       types.Money{Amount: pi.Amount, Currency: strings.ToUpper(string(pi.Currency))},
		Metadata:     pi.Metadata,
	}
}

// gatewayError classifies Stripe failures. Rate limits, 5xx and transport
// errors are retryable; card and request errors are terminal.
func gatewayError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		retryable := se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.Type == stripe.ErrorTypeAPI
		code := string(se.Code)
		if code == "" {
			code = string(se.Type)
		}
		return &apperr.GatewayError{Op: op, Code: code, Retryable: retryable, Err: err}
	}
	return &apperr.GatewayError{Op: op, Retryable: true, Err: err}
}
