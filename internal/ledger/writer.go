package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/localstore"
	"github.com/kaleo-labs/presale-service/internal/models"
	"github.com/kaleo-labs/presale-service/internal/stage"
)

// QuoteSource supplies the ETH/USD quote used to denominate the raised
// counter.
type QuoteSource interface {
	ETHUSD() decimal.Decimal
}

// MirrorStore receives best-effort copies of purchase records, typically a
// Postgres table. Mirror failures never affect the local ledger.
type MirrorStore interface {
	InsertPurchase(ctx context.Context, rec *models.PurchaseRecord) error
}

// Notifier is told about each recorded purchase, typically the websocket
// feed hub.
type Notifier interface {
	NotifyPurchase(rec models.PurchaseRecord)
}

// Writer appends resolved purchases to the ledger. Per purchase it advances
// the raised counter, appends the record locally and mirrors it out. The
// stage and price stamped on the record come from the raised total before
// this purchase is counted.
type Writer struct {
	store  *localstore.Store
	stages stage.Table
	quotes QuoteSource
	mirror MirrorStore // nil when no mirror database is configured
	logger *zap.Logger

	notifyMu  sync.RWMutex
	notifiers []Notifier

	// serializes the read-stage-then-advance sequence
	recordMu sync.Mutex
}

func NewWriter(store *localstore.Store, stages stage.Table, quotes QuoteSource, mirror MirrorStore, logger *zap.Logger) *Writer {
	return &Writer{
		store:  store,
		stages: stages,
		quotes: quotes,
		mirror: mirror,
		logger: logger.Named("ledger"),
	}
}

// Subscribe registers a notifier for future purchases.
func (w *Writer) Subscribe(n Notifier) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	w.notifiers = append(w.notifiers, n)
}

// Record writes one purchase to the ledger. The raised counter only ever
// moves forward and only here; a failed append leaves the counter advanced
// rather than risking a resubmission of funds already moved on chain.
func (w *Writer) Record(ctx context.Context, txID string, usd, tokens decimal.Decimal, walletAddress string, method models.PaymentMethod) (*models.PurchaseRecord, error) {
	w.recordMu.Lock()
	defer w.recordMu.Unlock()

	totalBefore, err := w.store.TotalRaised()
	if err != nil {
		return nil, err
	}
	current := w.stages.Current(totalBefore)

	rec := &models.PurchaseRecord{
		WalletAddress:   strings.ToLower(walletAddress),
		AmountSpent:     usd,
		TokensReceived:  tokens,
		Stage:           current.Number,
		PriceAtPurchase: current.PriceETH,
		TransactionID:   txID,
		PaymentMethod:   method,
		CreatedAt:       time.Now().UTC(),
	}

	raisedETH := usd.DivRound(w.quotes.ETHUSD(), 8)
	newTotal, err := w.store.AddToTotalRaised(raisedETH)
	if err != nil {
		return nil, err
	}

	if err := w.store.AppendPurchase(rec); err != nil {
		return nil, err
	}

	w.logger.Info("Purchase recorded",
		zap.String("tx_id", txID),
		zap.String("wallet", rec.WalletAddress),
		zap.String("usd", usd.String()),
		zap.String("tokens", tokens.String()),
		zap.Int("stage", rec.Stage),
		zap.String("total_raised_eth", newTotal.String()))

	if w.mirror != nil {
		if err := w.mirror.InsertPurchase(ctx, rec); err != nil {
			// The local ledger is authoritative. Mirror divergence is
			// reconciled out of band, not retried here.
			w.logger.Warn("Mirror write failed",
				zap.String("tx_id", txID),
				zap.Error(err))
		}
	}

	w.notify(*rec)
	return rec, nil
}

// TotalRaised returns the current raised counter in ETH.
func (w *Writer) TotalRaised() (decimal.Decimal, error) {
	return w.store.TotalRaised()
}

// HasTransaction reports whether a transaction id is already on the ledger.
// Callers settling replayable callbacks check this before recording so the
// raised counter cannot be moved twice by the same payment.
func (w *Writer) HasTransaction(txID string) (bool, error) {
	return w.store.HasTransaction(txID)
}

// PurchasesByAddress returns the purchase history for a wallet address.
func (w *Writer) PurchasesByAddress(address string) ([]models.PurchaseRecord, error) {
	return w.store.PurchasesByAddress(strings.ToLower(address))
}

func (w *Writer) notify(rec models.PurchaseRecord) {
	w.notifyMu.RLock()
	defer w.notifyMu.RUnlock()
	for _, n := range w.notifiers {
		n.NotifyPurchase(rec)
	}
}
