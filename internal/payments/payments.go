// Package payments bridges the wallet ledger to the card processor.
//
// Deposits come in as Stripe PaymentIntents and land on the ledger
// when the succeeded webhook arrives; withdrawals go out as Stripe
// payouts whose webhook settles or fails the pending ledger entry.
// The provider reference is the idempotency key throughout, so a
// replayed webhook never double-credits a wallet.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/palomar/bazaar/internal/circuitbreaker"
	"github.com/palomar/bazaar/internal/ledger"
	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/money"
)

var (
	ErrInvalidAmount       = errors.New("payments: invalid amount")
	ErrMissingMetadata     = errors.New("payments: event missing required metadata")
	ErrNotWithdrawal       = errors.New("payments: transaction is not a pending withdrawal")
	ErrProviderDisabled    = errors.New("payments: no provider configured")
	ErrProviderUnavailable = errors.New("payments: provider temporarily unavailable")
)

// breakerKey identifies the card processor in the circuit breaker.
const breakerKey = "stripe"

// Intent is the client-facing slice of a provider payment intent.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	Status       string `json:"status"`
}

// Payout is the client-facing slice of a provider payout.
type Payout struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Provider abstracts the card processor so tests run without network.
type Provider interface {
	CreatePaymentIntent(ctx context.Context, amount money.Amount, currency, userID string) (*Intent, error)
	CreatePayout(ctx context.Context, amount money.Amount, currency, destination, ledgerTxnID string) (*Payout, error)
}

// Service wires provider callbacks to ledger postings.
type Service struct {
	ledger   *ledger.Ledger
	provider Provider
	currency string

	// breaker stops hammering the processor during an outage; open
	// circuit calls fail fast with ErrProviderUnavailable.
	breaker *circuitbreaker.Breaker
}

// NewService creates a payments service. provider may be nil, which
// disables deposit initiation and payouts but still allows webhook
// processing in tests.
func NewService(l *ledger.Ledger, provider Provider, currency string) *Service {
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		ledger:   l,
		provider: provider,
		currency: currency,
		breaker:  circuitbreaker.New(5, 30*time.Second),
	}
}

// CreateDeposit starts a card payment that will credit the user's
// wallet once the provider confirms it.
func (s *Service) CreateDeposit(ctx context.Context, userID string, amount money.Amount) (*Intent, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if s.provider == nil {
		return nil, ErrProviderDisabled
	}

	if !s.breaker.Allow(breakerKey) {
		return nil, ErrProviderUnavailable
	}
	intent, err := s.provider.CreatePaymentIntent(ctx, amount, s.currency, userID)
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	s.breaker.RecordSuccess(breakerKey)

	logging.L(ctx).Info("deposit initiated",
		"user_id", userID, "amount", amount.Format(), "intent_id", intent.ID)
	return intent, nil
}

// SendPayout pushes a pending withdrawal to the provider. The ledger
// entry stays pending until the payout webhook settles it.
func (s *Service) SendPayout(ctx context.Context, ledgerTxnID string) (*Payout, error) {
	if s.provider == nil {
		return nil, ErrProviderDisabled
	}

	txn, err := s.ledger.GetTransaction(ctx, ledgerTxnID)
	if err != nil {
		return nil, err
	}
	if txn.Type != ledger.TypeWithdrawal || txn.Status != ledger.StatusPending {
		return nil, ErrNotWithdrawal
	}

	if !s.breaker.Allow(breakerKey) {
		return nil, ErrProviderUnavailable
	}
	amount := -txn.NetAmount // withdrawal entries are negative
	payout, err := s.provider.CreatePayout(ctx, amount, s.currency, txn.Reference, txn.ID)
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("create payout: %w", err)
	}
	s.breaker.RecordSuccess(breakerKey)

	logging.L(ctx).Info("payout sent",
		"ledger_txn_id", txn.ID, "amount", amount.Format(), "payout_id", payout.ID)
	return payout, nil
}

// HandleEvent applies one verified provider event to the ledger.
// Unknown event types are ignored so the webhook endpoint can stay
// subscribed broadly.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	switch string(event.Type) {
	case "payment_intent.succeeded":
		return s.handlePaymentSucceeded(ctx, event)
	case "payout.paid":
		return s.handlePayoutPaid(ctx, event)
	case "payout.failed":
		return s.handlePayoutFailed(ctx, event)
	default:
		logging.L(ctx).Debug("ignoring provider event", "type", string(event.Type))
		return nil
	}
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("decode payment intent: %w", err)
	}

	userID := pi.Metadata["user_id"]
	if userID == "" {
		return ErrMissingMetadata
	}

	err := s.ledger.Deposit(ctx, userID, money.Amount(pi.Amount), pi.ID)
	if errors.Is(err, ledger.ErrDuplicatePosting) {
		// Stripe retries webhooks; the reference already landed.
		logging.L(ctx).Info("duplicate deposit webhook ignored", "intent_id", pi.ID)
		return nil
	}
	if err != nil {
		return err
	}

	logging.L(ctx).Info("deposit credited",
		"user_id", userID, "amount", money.Amount(pi.Amount).Format(), "intent_id", pi.ID)
	return nil
}

func (s *Service) handlePayoutPaid(ctx context.Context, event *stripe.Event) error {
	txnID, err := payoutLedgerTxn(event)
	if err != nil {
		return err
	}
	if err := s.ledger.SettleWithdrawal(ctx, txnID); err != nil {
		if errors.Is(err, ledger.ErrNotPending) {
			return nil
		}
		return err
	}
	logging.L(ctx).Info("withdrawal settled", "ledger_txn_id", txnID)
	return nil
}

func (s *Service) handlePayoutFailed(ctx context.Context, event *stripe.Event) error {
	txnID, err := payoutLedgerTxn(event)
	if err != nil {
		return err
	}
	if err := s.ledger.FailWithdrawal(ctx, txnID); err != nil {
		if errors.Is(err, ledger.ErrNotPending) {
			return nil
		}
		return err
	}
	logging.L(ctx).Warn("withdrawal failed, funds returned", "ledger_txn_id", txnID)
	return nil
}

func payoutLedgerTxn(event *stripe.Event) (string, error) {
	var po stripe.Payout
	if err := json.Unmarshal(event.Data.Raw, &po); err != nil {
		return "", fmt.Errorf("decode payout: %w", err)
	}
	txnID := po.Metadata["ledger_transaction_id"]
	if txnID == "" {
		return "", ErrMissingMetadata
	}
	return txnID, nil
}
