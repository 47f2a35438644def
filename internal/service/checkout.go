package service

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/config"
)

// checkoutSessions is the slice of the Stripe client used here, kept narrow
// so tests can stand in for it.
type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// CheckoutService creates hosted card checkout sessions. Card purchases
// settle on Stripe's side; the session carries the quote in its metadata so
// the payment can be tied back to a wallet afterwards.
type CheckoutService struct {
	cfg      *config.StripeConfig
	sessions checkoutSessions
	logger   *zap.Logger
}

// NewCheckoutService creates a checkout service backed by the Stripe API.
func NewCheckoutService(cfg *config.StripeConfig, logger *zap.Logger) *CheckoutService {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &CheckoutService{
		cfg:      cfg,
		sessions: api.CheckoutSessions,
		logger:   logger,
	}
}

// Enabled reports whether card checkout is configured.
func (s *CheckoutService) Enabled() bool {
	return s.cfg.SecretKey != ""
}

// CheckoutRedirect identifies a created checkout session and where to send
// the buyer.
type CheckoutRedirect struct {
	SessionID string
	URL       string
}

// CreateSession creates a hosted checkout session for a quoted purchase and
// returns the URL to redirect the buyer to.
func (s *CheckoutService) CreateSession(quote *Quote, walletAddress string) (*CheckoutRedirect, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("card checkout is not configured")
	}

	// Stripe amounts are integer cents.
	cents := quote.USDValue.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	if cents <= 0 {
		return nil, fmt.Errorf("purchase amount too small for card checkout")
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String("usd"),
					UnitAmount: stripe.Int64(cents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Kaleo Token Presale"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
	}
	params.AddMetadata("wallet_address", walletAddress)
	params.AddMetadata("stage", fmt.Sprintf("%d", quote.Stage))
	params.AddMetadata("token_quantity", quote.TokenQuantity.String())

	sess, err := s.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	s.logger.Info("Checkout session created",
		zap.String("session_id", sess.ID),
		zap.Int64("amount_cents", cents),
		zap.String("wallet", walletAddress))

	return &CheckoutRedirect{SessionID: sess.ID, URL: sess.URL}, nil
}

// CardSettlement is a paid checkout session resolved back into the quote it
// was created from.
type CardSettlement struct {
	SessionID     string
	WalletAddress string
	USDValue      decimal.Decimal
	TokenQuantity decimal.Decimal
}

// ConfirmSession looks up a checkout session after Stripe redirects the buyer
// back and verifies it was actually paid. The wallet address and token
// quantity come back out of the session metadata set at creation.
func (s *CheckoutService) ConfirmSession(sessionID string) (*CardSettlement, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("card checkout is not configured")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("missing checkout session id")
	}

	sess, err := s.sessions.Get(sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session: %w", err)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, fmt.Errorf("checkout session %s is not paid: %s", sessionID, sess.PaymentStatus)
	}

	wallet := sess.Metadata["wallet_address"]
	if wallet == "" {
		return nil, fmt.Errorf("checkout session %s has no wallet metadata", sessionID)
	}
	tokens, err := decimal.NewFromString(sess.Metadata["token_quantity"])
	if err != nil {
		return nil, fmt.Errorf("checkout session %s has bad token metadata: %w", sessionID, err)
	}

	usd := decimal.NewFromInt(sess.AmountTotal).Div(decimal.NewFromInt(100))

	s.logger.Info("Checkout session confirmed",
		zap.String("session_id", sess.ID),
		zap.String("usd_value", usd.String()),
		zap.String("wallet", wallet))

	return &CardSettlement{
		SessionID:     sess.ID,
		WalletAddress: wallet,
		USDValue:      usd,
		TokenQuantity: tokens,
	}, nil
}
