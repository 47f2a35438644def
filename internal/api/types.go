package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kaleo-labs/presale-service/internal/models"
)

// ==================== Presale Stage ====================

// StageResponse describes the active stage and overall progress.
type StageResponse struct {
	Stage          int             `json:"stage"`
	PriceETH       decimal.Decimal `json:"price_eth"`
	DiscountPct    decimal.Decimal `json:"discount_pct"`
	TargetETH      decimal.Decimal `json:"target_eth"`
	CumulativeETH  decimal.Decimal `json:"cumulative_eth"`
	TotalRaisedETH decimal.Decimal `json:"total_raised_eth"`
	Progress       decimal.Decimal `json:"progress"` // 0..1 within the current stage
}

// ==================== Wallet Providers ====================

// ProviderSummary is one discoverable wallet provider.
type ProviderSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// ProvidersResponse lists discoverable providers for a chain family.
type ProvidersResponse struct {
	Family    models.ChainFamily `json:"family"`
	Providers []ProviderSummary  `json:"providers"`
}

// ==================== Wallet Connection ====================

// ConnectRequest asks to connect a wallet on a chain family. ProviderID is
// optional; without it the highest-priority discovered provider is used.
type ConnectRequest struct {
	Family     string `json:"family"`
	ProviderID string `json:"provider_id,omitempty"`
}

// ConnectResponse reports the resulting connection state. When no in-process
// provider exists the response carries a deeplink URL to open instead.
type ConnectResponse struct {
	Phase       models.ConnectionPhase `json:"phase"`
	Address     string                 `json:"address,omitempty"`
	Provider    string                 `json:"provider,omitempty"`
	DeeplinkURL string                 `json:"deeplink_url,omitempty"`
}

// DisconnectRequest asks to disconnect the wallet of a chain family.
type DisconnectRequest struct {
	Family string `json:"family"`
}

// ==================== Purchases ====================

// PurchaseRequest quotes or executes a purchase. The USD amount is a decimal
// string to avoid float drift in money values.
type PurchaseRequest struct {
	USDAmount string `json:"usd_amount"`
	Method    string `json:"method"`
}

// BuildResponse is the outcome of a purchase build: settled immediately or
// deferred to an out-of-process wallet.
type BuildResponse struct {
	Status      string           `json:"status"` // "completed" or "redirect"
	RedirectURI string           `json:"redirect_uri,omitempty"`
	Purchase    *PurchaseSummary `json:"purchase,omitempty"`
}

// CallbackResponse reports what a wallet callback resolved to.
type CallbackResponse struct {
	Outcome  string           `json:"outcome"`
	Cause    string           `json:"cause,omitempty"`
	Address  string           `json:"address,omitempty"` // set for connect callbacks
	Purchase *PurchaseSummary `json:"purchase,omitempty"`
}

// ConfirmRequest settles a pending purchase from a pasted transaction id.
type ConfirmRequest struct {
	Family        string `json:"family"`
	TransactionID string `json:"transaction_id"`
}

// PurchaseSummary is one ledger record.
type PurchaseSummary struct {
	WalletAddress   string          `json:"wallet_address"`
	AmountSpent     decimal.Decimal `json:"amount_spent"`
	TokensReceived  decimal.Decimal `json:"tokens_received"`
	Stage           int             `json:"stage"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`
	TransactionID   string          `json:"transaction_id"`
	PaymentMethod   string          `json:"payment_method"`
	CreatedAt       time.Time       `json:"created_at"`
}

// GetPurchasesResponse lists a wallet's purchase history.
type GetPurchasesResponse struct {
	Purchases []PurchaseSummary `json:"purchases"`
}

// ==================== Card Checkout ====================

// CheckoutRequest creates a hosted card checkout session.
type CheckoutRequest struct {
	USDAmount     string `json:"usd_amount"`
	WalletAddress string `json:"wallet_address"`
}

// CheckoutResponse carries the hosted checkout session and its URL.
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CheckoutSuccessResponse reports what the success callback recorded.
type CheckoutSuccessResponse struct {
	Status   string           `json:"status"` // "recorded" or "already_recorded"
	Purchase *PurchaseSummary `json:"purchase,omitempty"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func summarize(rec *models.PurchaseRecord) *PurchaseSummary {
	if rec == nil {
		return nil
	}
	return &PurchaseSummary{
		WalletAddress:   rec.WalletAddress,
		AmountSpent:     rec.AmountSpent,
		TokensReceived:  rec.TokensReceived,
		Stage:           rec.Stage,
		PriceAtPurchase: rec.PriceAtPurchase,
		TransactionID:   rec.TransactionID,
		PaymentMethod:   string(rec.PaymentMethod),
		CreatedAt:       rec.CreatedAt,
	}
}
