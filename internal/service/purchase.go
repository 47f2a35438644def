package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/blockchain/bitcoin"
	"github.com/kaleo-labs/presale-service/internal/blockchain/evm"
	"github.com/kaleo-labs/presale-service/internal/blockchain/solana"
	"github.com/kaleo-labs/presale-service/internal/config"
	"github.com/kaleo-labs/presale-service/internal/deeplink"
	"github.com/kaleo-labs/presale-service/internal/ledger"
	"github.com/kaleo-labs/presale-service/internal/models"
	"github.com/kaleo-labs/presale-service/internal/reconcile"
	"github.com/kaleo-labs/presale-service/internal/stage"
	"github.com/kaleo-labs/presale-service/internal/wallet"
)

// Quote is a priced purchase offer at the current stage.
type Quote struct {
	Stage         int                  `json:"stage"`
	PriceETH      decimal.Decimal      `json:"price_eth"`
	DiscountPct   decimal.Decimal      `json:"discount_pct"`
	USDValue      decimal.Decimal      `json:"usd_value"`
	TokenQuantity decimal.Decimal      `json:"token_quantity"`
	ChainAmount   decimal.Decimal      `json:"chain_amount"`
	Method        models.PaymentMethod `json:"method"`
}

// PurchaseOutcome is the result of a build attempt: either a settled
// purchase or a redirect to an out-of-process wallet.
type PurchaseOutcome struct {
	Record      *models.PurchaseRecord
	RedirectURI string
	Deferred    bool
}

// SolanaChain is the Solana builder surface the purchase flow needs.
type SolanaChain interface {
	BuildNative(ctx context.Context, session *wallet.Session, destination string, amount decimal.Decimal) (solana.BuildResult, error)
	DeeplinkTransaction(ctx context.Context, from, destination string, amount decimal.Decimal) (string, error)
}

// PurchaseService orchestrates a purchase from quote to settlement: it prices
// the spend against the stage table, dispatches to the chain builder for the
// chosen payment method, and either records the purchase immediately or hands
// it to the reconciler for an out-of-process round trip.
type PurchaseService struct {
	cfg            *config.Config
	stages         stage.Table
	prices         *PriceFeed
	sessions       *wallet.Sessions
	evm            *evm.Builder
	solana         SolanaChain
	solanaDeeplink *deeplink.Session
	bitcoin        *bitcoin.Builder
	writer         *ledger.Writer
	reconciler     *reconcile.Reconciler
	logger         *zap.Logger
}

// NewPurchaseService creates a new purchase service
func NewPurchaseService(
	cfg *config.Config,
	stages stage.Table,
	prices *PriceFeed,
	sessions *wallet.Sessions,
	evmBuilder *evm.Builder,
	solanaBuilder SolanaChain,
	solanaDeeplink *deeplink.Session,
	bitcoinBuilder *bitcoin.Builder,
	writer *ledger.Writer,
	reconciler *reconcile.Reconciler,
	logger *zap.Logger,
) *PurchaseService {
	return &PurchaseService{
		cfg:            cfg,
		stages:         stages,
		prices:         prices,
		sessions:       sessions,
		evm:            evmBuilder,
		solana:         solanaBuilder,
		solanaDeeplink: solanaDeeplink,
		bitcoin:        bitcoinBuilder,
		writer:         writer,
		reconciler:     reconciler,
		logger:         logger,
	}
}

// QuotePurchase prices a USD spend: current stage, token quantity and the
// amount due in the chosen payment asset.
func (s *PurchaseService) QuotePurchase(usd decimal.Decimal, method models.PaymentMethod) (*Quote, error) {
	if !usd.IsPositive() {
		return nil, fmt.Errorf("purchase amount must be positive")
	}
	if !method.Valid() {
		return nil, fmt.Errorf("unknown payment method: %s", method)
	}

	total, err := s.writer.TotalRaised()
	if err != nil {
		return nil, fmt.Errorf("read raised total: %w", err)
	}
	current := s.stages.Current(total)

	tokens, err := stage.TokensFor(usd, s.prices.ETHUSD(), current)
	if err != nil {
		return nil, err
	}

	chainAmount, err := s.chainAmount(usd, method)
	if err != nil {
		return nil, err
	}

	return &Quote{
		Stage:         current.Number,
		PriceETH:      current.PriceETH,
		DiscountPct:   current.DiscountPct,
		USDValue:      usd,
		TokenQuantity: tokens,
		ChainAmount:   chainAmount,
		Method:        method,
	}, nil
}

// chainAmount converts the USD spend into the payment asset. Stablecoins are
// taken at par; everything else goes through the price feed.
func (s *PurchaseService) chainAmount(usd decimal.Decimal, method models.PaymentMethod) (decimal.Decimal, error) {
	switch method {
	case models.MethodUSDC, models.MethodUSDT, models.MethodCARD:
		return usd, nil
	case models.MethodETH, models.MethodBNB, models.MethodSOL, models.MethodBTC:
		return s.prices.ChainAmount(usd, string(method))
	}
	return decimal.Zero, fmt.Errorf("unknown payment method: %s", method)
}

// BuildPurchase executes a purchase for a USD spend with the given payment
// method. A result from an in-process wallet settles immediately; a deferred
// result persists a pending intent and returns the redirect URI.
func (s *PurchaseService) BuildPurchase(ctx context.Context, usd decimal.Decimal, method models.PaymentMethod) (*PurchaseOutcome, error) {
	quote, err := s.QuotePurchase(usd, method)
	if err != nil {
		return nil, err
	}

	family, ok := method.Family()
	if !ok {
		return nil, fmt.Errorf("method %s does not settle on a wallet chain", method)
	}
	session := s.sessions.Get(family)

	destination, err := s.destination(family)
	if err != nil {
		return nil, err
	}

	result, err := s.dispatch(ctx, family, session, method, destination, quote)
	if err != nil {
		if wallet.IsUserRejection(err) {
			s.logger.Info("Purchase rejected in wallet",
				zap.String("method", string(method)))
		}
		return nil, err
	}

	if result.Deferred {
		intent := models.PendingPurchaseIntent{
			ChainFamily:        family,
			USDValue:           quote.USDValue,
			TokenQuantity:      quote.TokenQuantity,
			DestinationAddress: destination,
			Method:             method,
			ChainAmount:        quote.ChainAmount,
			CreatedAt:          time.Now().UTC(),
		}
		if err := s.reconciler.Begin(intent); err != nil {
			return nil, err
		}
		return &PurchaseOutcome{RedirectURI: result.RedirectURI, Deferred: true}, nil
	}

	rec, err := s.writer.Record(ctx, result.TxID, quote.USDValue, quote.TokenQuantity, s.buyer(session, destination), method)
	if err != nil {
		return nil, err
	}
	return &PurchaseOutcome{Record: rec}, nil
}

// buildResult normalizes the per-chain builder results so the caller does
// not care which chain settled the purchase.
type buildResult struct {
	TxID        string
	RedirectURI string
	Deferred    bool
}

// dispatch routes the build to the right chain builder.
func (s *PurchaseService) dispatch(
	ctx context.Context,
	family models.ChainFamily,
	session *wallet.Session,
	method models.PaymentMethod,
	destination string,
	quote *Quote,
) (buildResult, error) {
	var out buildResult

	switch family {
	case models.FamilyEVM:
		switch method {
		case models.MethodETH, models.MethodBNB:
			r, err := s.evm.BuildNative(ctx, session, destination, evm.WeiAmount(quote.ChainAmount))
			if err != nil {
				return out, err
			}
			out.TxID, out.RedirectURI, out.Deferred = r.TxID, r.RedirectURI, r.Deferred
		default:
			token, ok := s.cfg.EVM.Tokens[string(method)]
			if !ok {
				return out, fmt.Errorf("token %s is not configured", method)
			}
			r, err := s.evm.BuildToken(ctx, session, token, destination, quote.ChainAmount)
			if err != nil {
				return out, err
			}
			out.TxID, out.RedirectURI, out.Deferred = r.TxID, r.RedirectURI, r.Deferred
		}
	case models.FamilySolana:
		r, err := s.solana.BuildNative(ctx, session, destination, quote.ChainAmount)
		if err != nil {
			return out, err
		}
		out.TxID, out.RedirectURI, out.Deferred = r.TxID, r.RedirectURI, r.Deferred
		if out.Deferred {
			if u, ok := s.solanaSignRedirect(ctx, session, destination, quote.ChainAmount); ok {
				out.RedirectURI = u
			}
		}
	case models.FamilyBitcoin:
		r, err := s.bitcoin.BuildNative(ctx, session, destination, quote.ChainAmount)
		if err != nil {
			return out, err
		}
		out.TxID, out.RedirectURI, out.Deferred = r.TxID, r.RedirectURI, r.Deferred
	default:
		return out, fmt.Errorf("unknown chain family: %s", family)
	}

	return out, nil
}

// solanaSignRedirect upgrades a deferred Solana purchase to an encrypted
// signAndSendTransaction deeplink when an earlier connect round trip left a
// wallet session on record. Anything missing or failing keeps the plain
// Solana Pay URI.
func (s *PurchaseService) solanaSignRedirect(ctx context.Context, session *wallet.Session, destination string, amount decimal.Decimal) (string, bool) {
	dl := s.solanaDeeplink
	if dl == nil || !dl.Ready() {
		return "", false
	}
	buyer := session.Address()
	if buyer == "" {
		return "", false
	}

	tx, err := s.solana.DeeplinkTransaction(ctx, buyer, destination, amount)
	if err != nil {
		s.logger.Warn("Failed to assemble deeplink transaction, keeping payment URI",
			zap.Error(err))
		return "", false
	}

	redirect := fmt.Sprintf("%s/api/v1/purchase/callback/%s", s.cfg.Server.BaseURL, models.FamilySolana)
	u, err := dl.SignAndSendURL(redirect, tx)
	if err != nil {
		s.logger.Warn("Failed to build sign-and-send deeplink, keeping payment URI",
			zap.Error(err))
		return "", false
	}
	return u, true
}

// destination returns the presale receiving address for a family.
func (s *PurchaseService) destination(family models.ChainFamily) (string, error) {
	switch family {
	case models.FamilyEVM:
		return s.cfg.Presale.EVMReceivingAddress, nil
	case models.FamilySolana:
		return s.cfg.Presale.SolanaReceivingAddress, nil
	case models.FamilyBitcoin:
		return s.cfg.Presale.BitcoinReceivingAddress, nil
	}
	return "", fmt.Errorf("unknown chain family: %s", family)
}

// buyer resolves the purchasing wallet, falling back to the destination when
// no connected address is known.
func (s *PurchaseService) buyer(session *wallet.Session, destination string) string {
	if addr := session.Address(); addr != "" {
		return addr
	}
	return destination
}
