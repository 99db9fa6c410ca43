package payments

import (
	"context"
	"fmt"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// intentCapturer is the part of paymentintent.Client the gateway uses.
type intentCapturer interface {
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
}

// StripeGateway captures PaymentIntents that the client app authorized with
// capture_method=manual. The payment ref on a booking is the intent id.
type StripeGateway struct {
	intents intentCapturer
}

// NewStripeGateway builds a gateway with its own API key rather than the
// package-global stripe.Key.
func NewStripeGateway(apiKey string) *StripeGateway {
	return &StripeGateway{intents: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}}
}

// Capture finalizes the held intent for amount, expressed in major units of
// currency.
func (s *StripeGateway) Capture(ctx context.Context, ref string, amount float64, currency string) error {
	if !strings.HasPrefix(ref, "pi_") {
		return fmt.Errorf("payment ref %q is not a payment intent", ref)
	}
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(minorUnits(amount))}
	params.Context = ctx
	pi, err := s.intents.Capture(ref, params)
	if err != nil {
		return fmt.Errorf("capture %s: %w", ref, err)
	}
	if currency != "" && pi != nil && pi.Currency != "" && !strings.EqualFold(string(pi.Currency), currency) {
		return fmt.Errorf("capture %s: intent currency %s does not match %s", ref, pi.Currency, currency)
	}
	return nil
}

func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
