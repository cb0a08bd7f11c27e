package payments

import (
	"context"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/palomar/bazaar/internal/money"
)

// StripeProvider talks to the Stripe API.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates a provider bound to the given secret key.
func NewStripeProvider(secretKey string) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api}
}

func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, amount money.Amount, currency, userID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(amount)),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, err
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

func (p *StripeProvider) CreatePayout(ctx context.Context, amount money.Amount, currency, destination, ledgerTxnID string) (*Payout, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(int64(amount)),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.AddMetadata("ledger_transaction_id", ledgerTxnID)
	if destination != "" {
		params.Destination = stripe.String(destination)
	}

	po, err := p.api.Payouts.New(params)
	if err != nil {
		return nil, err
	}
	return &Payout{ID: po.ID, Status: string(po.Status)}, nil
}
