// README: Stripe API client construction.
package infra

import (
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// NewStripe disables the SDK's own network retries; callers apply the shared
// retry policy instead.
func NewStripe(secretKey string) *client.API {
	cfg := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
	return client.New(secretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	})
}
