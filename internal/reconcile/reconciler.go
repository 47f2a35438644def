package reconcile

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/deeplink"
	"github.com/kaleo-labs/presale-service/internal/localstore"
	"github.com/kaleo-labs/presale-service/internal/models"
)

// Outcome classifies what a callback or manual confirmation did.
type Outcome string

const (
	// OutcomeResolved means a purchase record was written.
	OutcomeResolved Outcome = "resolved"
	// OutcomeErrored means the pending intent was cleared without a record.
	OutcomeErrored Outcome = "errored"
	// OutcomeIgnored means the callback carried something but no intent was
	// pending, so there was nothing to reconcile.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeNone means the callback carried neither payload nor error.
	OutcomeNone Outcome = "none"
)

// Result is the outcome of resuming a purchase.
type Result struct {
	Outcome Outcome
	Record  *models.PurchaseRecord
	// Cause is set for errored outcomes: why the purchase did not complete.
	Cause string
}

// Recorder appends a resolved purchase to the ledger.
type Recorder interface {
	Record(ctx context.Context, txID string, usd, tokens decimal.Decimal, walletAddress string, method models.PaymentMethod) (*models.PurchaseRecord, error)
}

// Reconciler resolves out-of-process purchases. A purchase that leaves the
// process (wallet deeplink, QR payment) exists only as a pending intent in
// the local store; the reconciler matches whatever comes back, a callback or
// a pasted transaction id, against that intent and settles it exactly once.
type Reconciler struct {
	store     *localstore.Store
	deeplinks map[models.ChainFamily]*deeplink.Session
	recorder  Recorder
	minTxID   int
	logger    *zap.Logger
}

func New(store *localstore.Store, deeplinks map[models.ChainFamily]*deeplink.Session, recorder Recorder, minTxIDLength int, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		deeplinks: deeplinks,
		recorder:  recorder,
		minTxID:   minTxIDLength,
		logger:    logger.Named("reconciler"),
	}
}

// Begin persists a pending intent before the purchase leaves the process.
// A newer intent for the same family replaces any older one: the wallet can
// only come back from the most recent hand-off.
func (r *Reconciler) Begin(intent models.PendingPurchaseIntent) error {
	if err := r.store.PutIntent(intent); err != nil {
		return fmt.Errorf("persist pending intent: %w", err)
	}
	r.logger.Info("Purchase handed off",
		zap.String("family", string(intent.ChainFamily)),
		zap.String("method", string(intent.Method)),
		zap.String("usd", intent.USDValue.String()))
	return nil
}

// Pending returns the family's pending intent, if any.
func (r *Reconciler) Pending(family models.ChainFamily) (*models.PendingPurchaseIntent, error) {
	intent, err := r.store.Intent(family)
	if err == localstore.ErrNotFound {
		return nil, nil
	}
	return intent, err
}

// Resume processes a wallet callback for a family. An encrypted payload with
// a pending intent settles the purchase; an explicit wallet error clears the
// intent without writing a record; anything else is a no-op. The intent is
// consumed on every path that inspects it, so a replayed callback cannot
// settle twice.
func (r *Reconciler) Resume(ctx context.Context, family models.ChainFamily, params url.Values) (Result, error) {
	if walletErr, ok := deeplink.ParseError(params); ok {
		return r.resumeError(family, walletErr)
	}
	if deeplink.HasPayload(params) {
		return r.resumePayload(ctx, family, params)
	}
	return Result{Outcome: OutcomeNone}, nil
}

func (r *Reconciler) resumeError(family models.ChainFamily, walletErr *deeplink.WalletError) (Result, error) {
	intent, err := r.Pending(family)
	if err != nil {
		return Result{}, err
	}
	if intent == nil {
		r.logger.Debug("Wallet error with no pending intent",
			zap.String("family", string(family)),
			zap.String("code", walletErr.Code))
		return Result{Outcome: OutcomeIgnored}, nil
	}

	if err := r.store.DeleteIntent(family); err != nil {
		return Result{}, err
	}
	r.logger.Info("Purchase failed in wallet",
		zap.String("family", string(family)),
		zap.String("code", walletErr.Code),
		zap.String("cause", walletErr.Cause()))
	return Result{Outcome: OutcomeErrored, Cause: walletErr.Cause()}, nil
}

func (r *Reconciler) resumePayload(ctx context.Context, family models.ChainFamily, params url.Values) (Result, error) {
	intent, err := r.Pending(family)
	if err != nil {
		return Result{}, err
	}
	if intent == nil {
		r.logger.Warn("Callback payload with no pending intent",
			zap.String("family", string(family)))
		return Result{Outcome: OutcomeIgnored}, nil
	}

	session, ok := r.deeplinks[family]
	if !ok {
		return Result{}, fmt.Errorf("no deeplink session for family %s", family)
	}

	txID, err := session.DecryptTransaction(params)
	if err != nil {
		// The payload is unreadable, so the outcome on chain is unknown.
		// Clearing the intent keeps the flow consistent with an explicit
		// wallet error; the manual confirmation path remains available.
		if derr := r.store.DeleteIntent(family); derr != nil {
			return Result{}, derr
		}
		r.logger.Warn("Callback payload could not be decrypted",
			zap.String("family", string(family)),
			zap.Error(err))
		return Result{Outcome: OutcomeErrored, Cause: "the wallet response could not be read"}, nil
	}

	return r.settle(ctx, family, intent, txID)
}

// ConfirmManual settles a pending intent from a transaction id the buyer
// pasted by hand. The id is taken on trust; the only gate is a minimum
// length, and a rejection leaves the intent untouched.
func (r *Reconciler) ConfirmManual(ctx context.Context, family models.ChainFamily, txID string) (Result, error) {
	txID = strings.TrimSpace(txID)
	if len(txID) < r.minTxID {
		return Result{}, fmt.Errorf("transaction id must be at least %d characters", r.minTxID)
	}

	intent, err := r.Pending(family)
	if err != nil {
		return Result{}, err
	}
	if intent == nil {
		return Result{}, fmt.Errorf("no pending purchase for family %s", family)
	}

	return r.settle(ctx, family, intent, txID)
}

// settle writes the ledger record from the intent's amounts and consumes the
// intent. The intent is deleted first: a duplicate record is worse than a
// lost one, because the record moves the raised counter.
func (r *Reconciler) settle(ctx context.Context, family models.ChainFamily, intent *models.PendingPurchaseIntent, txID string) (Result, error) {
	if err := r.store.DeleteIntent(family); err != nil {
		return Result{}, err
	}

	wallet := r.buyerAddress(family, intent)
	rec, err := r.recorder.Record(ctx, txID, intent.USDValue, intent.TokenQuantity, wallet, intent.Method)
	if err != nil {
		return Result{}, fmt.Errorf("record purchase: %w", err)
	}
	return Result{Outcome: OutcomeResolved, Record: rec}, nil
}

// buyerAddress resolves who made the purchase: the connected wallet for the
// family when known, otherwise the intent's destination as a placeholder.
func (r *Reconciler) buyerAddress(family models.ChainFamily, intent *models.PendingPurchaseIntent) string {
	if address, _, err := r.store.Connection(family); err == nil && address != "" {
		return address
	}
	return intent.DestinationAddress
}
