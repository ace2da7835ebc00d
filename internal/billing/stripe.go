package billing

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// FareHolder places and settles per-ride fare holds. The orchestrator treats
// holds as best-effort: a billing failure never changes a job's outcome.
type FareHolder interface {
	Hold(ctx context.Context, rideID string, amountCents int64) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

// StripeClient is a thin wrapper around stripe-go PaymentIntent
// hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the package-level stripe key and returns the wrapper.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold the fare.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, rideID string, amountCents int64) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held fare.
func (s *StripeClient) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

// Release cancels the hold.
func (s *StripeClient) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
