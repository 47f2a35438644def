package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChainFamily identifies one of the supported wallet ecosystems. Connection
// state, pending intents and deeplink sessions are all scoped per family.
type ChainFamily string

const (
	FamilyEVM     ChainFamily = "evm"
	FamilySolana  ChainFamily = "solana"
	FamilyBitcoin ChainFamily = "bitcoin"
)

// Valid reports whether f is a known chain family.
func (f ChainFamily) Valid() bool {
	switch f {
	case FamilyEVM, FamilySolana, FamilyBitcoin:
		return true
	}
	return false
}

// PaymentMethod is the currency the buyer paid with.
type PaymentMethod string

const (
	MethodSOL  PaymentMethod = "SOL"
	MethodETH  PaymentMethod = "ETH"
	MethodBNB  PaymentMethod = "BNB"
	MethodUSDC PaymentMethod = "USDC"
	MethodUSDT PaymentMethod = "USDT"
	MethodBTC  PaymentMethod = "BTC"
	MethodCARD PaymentMethod = "CARD"
)

// Family returns the chain family a payment method settles on.
// CARD settles through the checkout provider and has no family.
func (m PaymentMethod) Family() (ChainFamily, bool) {
	switch m {
	case MethodSOL:
		return FamilySolana, true
	case MethodETH, MethodBNB, MethodUSDC, MethodUSDT:
		return FamilyEVM, true
	case MethodBTC:
		return FamilyBitcoin, true
	}
	return "", false
}

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodSOL, MethodETH, MethodBNB, MethodUSDC, MethodUSDT, MethodBTC, MethodCARD:
		return true
	}
	return false
}

// PurchaseRecord is one confirmed payment. Records are append-only: they are
// never mutated or deleted after creation. The Postgres mirror is the durable
// source of truth; the local store copy exists for immediate feedback.
type PurchaseRecord struct {
	ID              int64           `db:"id"`
	WalletAddress   string          `db:"wallet_address"` // lower-cased ownership key
	AmountSpent     decimal.Decimal `db:"amount_spent"`   // USD
	TokensReceived  decimal.Decimal `db:"tokens_received"`
	Stage           int             `db:"stage"`
	PriceAtPurchase decimal.Decimal `db:"price_at_purchase"` // token price in ETH
	TransactionID   string          `db:"transaction_id"`
	PaymentMethod   PaymentMethod   `db:"payment_method"`
	CreatedAt       time.Time       `db:"created_at"`
}

// PendingPurchaseIntent is the payment attempt persisted immediately before
// an out-of-process wallet hand-off. It is the only state bridging the gap
// between initiating a redirect and the callback that resolves it. At most
// one intent is held per chain family; a second redirect before the first
// resolves overwrites it (last-write-wins, a documented trade-off).
type PendingPurchaseIntent struct {
	ChainFamily        ChainFamily     `json:"chain_family"`
	USDValue           decimal.Decimal `json:"usd_value"`
	TokenQuantity      decimal.Decimal `json:"token_quantity"`
	DestinationAddress string          `json:"destination_address"`
	Method             PaymentMethod   `json:"method"`
	ChainAmount        decimal.Decimal `json:"chain_amount"` // in the native unit of the chain asset
	CreatedAt          time.Time       `json:"created_at"`
}

// ConnectionPhase is the lifecycle state of a wallet connection session.
type ConnectionPhase string

const (
	PhaseDisconnected ConnectionPhase = "disconnected"
	PhaseConnecting   ConnectionPhase = "connecting"
	PhaseConnected    ConnectionPhase = "connected"
)

// ConnectionState is the externally visible view of one family's session.
type ConnectionState struct {
	Family       ChainFamily     `json:"family"`
	Phase        ConnectionPhase `json:"phase"`
	Address      string          `json:"address,omitempty"`
	ProviderName string          `json:"provider_name,omitempty"`
}
