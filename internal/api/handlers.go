package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/config"
	"github.com/kaleo-labs/presale-service/internal/deeplink"
	"github.com/kaleo-labs/presale-service/internal/ledger"
	"github.com/kaleo-labs/presale-service/internal/models"
	"github.com/kaleo-labs/presale-service/internal/reconcile"
	"github.com/kaleo-labs/presale-service/internal/service"
	"github.com/kaleo-labs/presale-service/internal/stage"
	"github.com/kaleo-labs/presale-service/internal/wallet"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	cfg        *config.Config
	stages     stage.Table
	writer     *ledger.Writer
	purchases  *service.PurchaseService
	checkout   *service.CheckoutService
	reconciler *reconcile.Reconciler
	sessions   *wallet.Sessions
	registry   *wallet.Registry
	env        wallet.Environment
	deeplinks  map[models.ChainFamily]*deeplink.Session
	feed       *FeedHub
	logger     *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	cfg *config.Config,
	stages stage.Table,
	writer *ledger.Writer,
	purchases *service.PurchaseService,
	checkout *service.CheckoutService,
	reconciler *reconcile.Reconciler,
	sessions *wallet.Sessions,
	registry *wallet.Registry,
	env wallet.Environment,
	deeplinks map[models.ChainFamily]*deeplink.Session,
	feed *FeedHub,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		cfg:        cfg,
		stages:     stages,
		writer:     writer,
		purchases:  purchases,
		checkout:   checkout,
		reconciler: reconciler,
		sessions:   sessions,
		registry:   registry,
		env:        env,
		deeplinks:  deeplinks,
		feed:       feed,
		logger:     logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Presale Stage ====================

// HandleGetStage handles GET /api/v1/presale/stage
// Returns the active stage and progress, derived from the raised counter.
func (h *Handler) HandleGetStage(w http.ResponseWriter, r *http.Request) {
	total, err := h.writer.TotalRaised()
	if err != nil {
		h.logger.Error("Failed to read raised total", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read presale state", err)
		return
	}

	current := h.stages.Current(total)
	response := StageResponse{
		Stage:          current.Number,
		PriceETH:       current.PriceETH,
		DiscountPct:    current.DiscountPct,
		TargetETH:      current.TargetETH,
		CumulativeETH:  current.CumulativeETH,
		TotalRaisedETH: total,
		Progress:       h.stages.Progress(total),
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Wallet Providers ====================

// HandleGetProviders handles GET /api/v1/providers/{family}
// Lists wallet providers discoverable for a chain family, in priority order.
func (h *Handler) HandleGetProviders(w http.ResponseWriter, r *http.Request) {
	family, ok := h.parseFamily(w, mux.Vars(r)["family"])
	if !ok {
		return
	}

	discovered := h.registry.Discover(h.env, family)
	providers := make([]ProviderSummary, 0, len(discovered))
	for _, d := range discovered {
		providers = append(providers, ProviderSummary{
			ID:          d.Descriptor.ID,
			DisplayName: d.Descriptor.DisplayName,
		})
	}

	respondJSON(w, http.StatusOK, ProvidersResponse{Family: family, Providers: providers})
}

// ==================== Wallet Connection ====================

// HandleConnectWallet handles POST /api/v1/wallet/connect
// Connects through a discovered provider, or falls back to a wallet deeplink
// when the family has none in process.
func (h *Handler) HandleConnectWallet(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	family, ok := h.parseFamily(w, req.Family)
	if !ok {
		return
	}

	d, found := h.pickProvider(family, req.ProviderID)
	if !found {
		h.respondDeeplink(w, family)
		return
	}

	address, err := h.sessions.Get(family).Connect(r.Context(), d)
	if err != nil {
		h.logger.Warn("Wallet connect failed",
			zap.String("family", string(family)),
			zap.String("provider", d.Descriptor.ID),
			zap.Error(err))
		status := http.StatusBadGateway
		if wallet.IsUserRejection(err) {
			status = http.StatusConflict
		}
		respondError(w, status, "Wallet connection failed", err)
		return
	}

	respondJSON(w, http.StatusOK, ConnectResponse{
		Phase:    models.PhaseConnected,
		Address:  address,
		Provider: d.Descriptor.ID,
	})
}

func (h *Handler) pickProvider(family models.ChainFamily, providerID string) (wallet.Discovered, bool) {
	if providerID != "" {
		return h.registry.Find(h.env, family, providerID)
	}
	discovered := h.registry.Discover(h.env, family)
	if len(discovered) == 0 {
		return wallet.Discovered{}, false
	}
	return discovered[0], true
}

// respondDeeplink answers a connect request that has no in-process provider.
// Only the Solana family has a deeplink protocol wired up.
func (h *Handler) respondDeeplink(w http.ResponseWriter, family models.ChainFamily) {
	session, ok := h.deeplinks[family]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("No wallet available for family %s", family), nil)
		return
	}

	redirect := fmt.Sprintf("%s/api/v1/purchase/callback/%s", h.cfg.Server.BaseURL, family)
	u, err := session.ConnectURL(h.cfg.Server.BaseURL, redirect, h.cfg.Solana.Cluster)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to build deeplink", err)
		return
	}

	respondJSON(w, http.StatusOK, ConnectResponse{
		Phase:       models.PhaseConnecting,
		DeeplinkURL: u,
	})
}

// HandleDisconnectWallet handles POST /api/v1/wallet/disconnect
func (h *Handler) HandleDisconnectWallet(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	family, ok := h.parseFamily(w, req.Family)
	if !ok {
		return
	}

	if err := h.sessions.Get(family).Disconnect(); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to disconnect", err)
		return
	}
	respondJSON(w, http.StatusOK, ConnectResponse{Phase: models.PhaseDisconnected})
}

// ==================== Purchases ====================

// HandleQuote handles POST /api/v1/purchase/quote
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePurchase(w, r)
	if !ok {
		return
	}

	quote, err := h.purchases.QuotePurchase(req.usd, req.method)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to quote purchase", err)
		return
	}
	respondJSON(w, http.StatusOK, quote)
}

// HandleBuild handles POST /api/v1/purchase/build
// Executes a purchase: settles it through a connected wallet or returns a
// redirect for an out-of-process one.
func (h *Handler) HandleBuild(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePurchase(w, r)
	if !ok {
		return
	}

	outcome, err := h.purchases.BuildPurchase(r.Context(), req.usd, req.method)
	if err != nil {
		h.logger.Warn("Purchase build failed",
			zap.String("method", string(req.method)),
			zap.Error(err))
		status := http.StatusBadRequest
		if wallet.IsUserRejection(err) {
			status = http.StatusConflict
		}
		respondError(w, status, "Purchase failed", err)
		return
	}

	if outcome.Deferred {
		respondJSON(w, http.StatusOK, BuildResponse{
			Status:      "redirect",
			RedirectURI: outcome.RedirectURI,
		})
		return
	}
	respondJSON(w, http.StatusOK, BuildResponse{
		Status:   "completed",
		Purchase: summarize(outcome.Record),
	})
}

// HandleCallback handles GET /api/v1/purchase/callback/{family}
// The return leg of a wallet deeplink. Connect callbacks carry the wallet's
// encryption key and adopt the session; everything else goes through the
// reconciler.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	family, ok := h.parseFamily(w, mux.Vars(r)["family"])
	if !ok {
		return
	}
	params := r.URL.Query()

	if session, hasDeeplink := h.deeplinks[family]; hasDeeplink && params.Get("phantom_encryption_public_key") != "" {
		result, err := session.DecryptConnect(params)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Connect callback could not be read", err)
			return
		}
		h.sessions.Get(family).AdoptDeeplink(result.Address, session.WalletName())
		respondJSON(w, http.StatusOK, CallbackResponse{Outcome: "connected", Address: result.Address})
		return
	}

	result, err := h.reconciler.Resume(r.Context(), family, params)
	if err != nil {
		h.logger.Error("Callback processing failed",
			zap.String("family", string(family)),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to process callback", err)
		return
	}

	respondJSON(w, http.StatusOK, CallbackResponse{
		Outcome:  string(result.Outcome),
		Cause:    result.Cause,
		Purchase: summarize(result.Record),
	})
}

// HandleConfirm handles POST /api/v1/purchase/confirm
// Settles a pending purchase from a transaction id pasted by the buyer.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	family, ok := h.parseFamily(w, req.Family)
	if !ok {
		return
	}

	result, err := h.reconciler.ConfirmManual(r.Context(), family, req.TransactionID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Confirmation rejected", err)
		return
	}

	respondJSON(w, http.StatusOK, CallbackResponse{
		Outcome:  string(result.Outcome),
		Purchase: summarize(result.Record),
	})
}

// HandleGetPurchases handles GET /api/v1/purchases/{address}
func (h *Handler) HandleGetPurchases(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if address == "" {
		respondError(w, http.StatusBadRequest, "address is required", nil)
		return
	}

	records, err := h.writer.PurchasesByAddress(address)
	if err != nil {
		h.logger.Error("Failed to get purchases",
			zap.String("address", address),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get purchases", err)
		return
	}

	purchases := make([]PurchaseSummary, 0, len(records))
	for i := range records {
		purchases = append(purchases, *summarize(&records[i]))
	}
	respondJSON(w, http.StatusOK, GetPurchasesResponse{Purchases: purchases})
}

// ==================== Card Checkout ====================

// HandleCheckout handles POST /api/v1/checkout/session
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	usd, err := decimal.NewFromString(req.USDAmount)
	if err != nil || !usd.IsPositive() {
		respondError(w, http.StatusBadRequest, "usd_amount must be a positive decimal", err)
		return
	}
	if req.WalletAddress == "" {
		respondError(w, http.StatusBadRequest, "wallet_address is required", nil)
		return
	}

	quote, err := h.purchases.QuotePurchase(usd, models.MethodCARD)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to quote purchase", err)
		return
	}

	redirect, err := h.checkout.CreateSession(quote, req.WalletAddress)
	if err != nil {
		h.logger.Error("Checkout session failed", zap.Error(err))
		respondError(w, http.StatusBadGateway, "Failed to create checkout session", err)
		return
	}
	respondJSON(w, http.StatusOK, CheckoutResponse{
		SessionID: redirect.SessionID,
		URL:       redirect.URL,
	})
}

// HandleCheckoutSuccess handles GET /api/v1/checkout/success
// Stripe redirects the buyer here after payment; the paid session becomes a
// ledger record with the session id as its transaction id. Replays of the
// redirect find the record already present and change nothing.
func (h *Handler) HandleCheckoutSuccess(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required", nil)
		return
	}

	settlement, err := h.checkout.ConfirmSession(sessionID)
	if err != nil {
		h.logger.Error("Checkout confirmation failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		respondError(w, http.StatusBadGateway, "Failed to confirm checkout session", err)
		return
	}

	recorded, err := h.writer.HasTransaction(settlement.SessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read ledger", err)
		return
	}
	if recorded {
		respondJSON(w, http.StatusOK, CheckoutSuccessResponse{Status: "already_recorded"})
		return
	}

	rec, err := h.writer.Record(r.Context(), settlement.SessionID, settlement.USDValue,
		settlement.TokenQuantity, settlement.WalletAddress, models.MethodCARD)
	if err != nil {
		h.logger.Error("Failed to record card purchase", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to record purchase", err)
		return
	}
	respondJSON(w, http.StatusOK, CheckoutSuccessResponse{
		Status:   "recorded",
		Purchase: summarize(rec),
	})
}

// ==================== Helper Functions ====================

type purchaseInput struct {
	usd    decimal.Decimal
	method models.PaymentMethod
}

func (h *Handler) decodePurchase(w http.ResponseWriter, r *http.Request) (purchaseInput, bool) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return purchaseInput{}, false
	}

	usd, err := decimal.NewFromString(req.USDAmount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "usd_amount must be a decimal string", err)
		return purchaseInput{}, false
	}
	method := models.PaymentMethod(req.Method)
	if !method.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown payment method: %s", req.Method), nil)
		return purchaseInput{}, false
	}
	return purchaseInput{usd: usd, method: method}, true
}

func (h *Handler) parseFamily(w http.ResponseWriter, raw string) (models.ChainFamily, bool) {
	family := models.ChainFamily(raw)
	if !family.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown chain family: %s", raw), nil)
		return "", false
	}
	return family, true
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
