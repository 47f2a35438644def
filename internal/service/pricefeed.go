package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/config"
)

// PriceFeed caches USD quotes for the accepted payment assets. Quotes are
// refreshed by the price feed worker; readers always get the last good value.
// Without an endpoint configured only the ETH fallback quote is available.
type PriceFeed struct {
	cfg    *config.PriceFeedConfig
	client *http.Client
	logger *zap.Logger

	fallbackETH decimal.Decimal

	mu     sync.RWMutex
	quotes map[string]decimal.Decimal
}

// NewPriceFeed creates a price feed with the configured ETH fallback quote
// preloaded so stage math works before the first refresh.
func NewPriceFeed(cfg *config.PriceFeedConfig, fallbackETHUSD string, logger *zap.Logger) (*PriceFeed, error) {
	fallback, err := decimal.NewFromString(fallbackETHUSD)
	if err != nil || !fallback.IsPositive() {
		return nil, fmt.Errorf("invalid fallback ETH/USD quote: %s", fallbackETHUSD)
	}

	return &PriceFeed{
		cfg:         cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger.Named("price_feed"),
		fallbackETH: fallback,
		quotes:      map[string]decimal.Decimal{"ETH": fallback},
	}, nil
}

// Quote returns the cached USD price for a symbol.
func (p *PriceFeed) Quote(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	quote, ok := p.quotes[strings.ToUpper(symbol)]
	return quote, ok
}

// ETHUSD returns the cached ETH quote, falling back to the configured value.
// The total raised counter is denominated in ETH, so this quote always
// resolves.
func (p *PriceFeed) ETHUSD() decimal.Decimal {
	if quote, ok := p.Quote("ETH"); ok {
		return quote
	}
	return p.fallbackETH
}

// ChainAmount converts a USD value into units of the given asset using the
// cached quote.
func (p *PriceFeed) ChainAmount(usd decimal.Decimal, symbol string) (decimal.Decimal, error) {
	quote, ok := p.Quote(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("no quote available for %s", symbol)
	}
	if !quote.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive quote for %s: %s", symbol, quote)
	}
	return usd.DivRound(quote, 8), nil
}

// Set stores a quote directly. Used by the refresh loop and by tests.
func (p *PriceFeed) Set(symbol string, quote decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[strings.ToUpper(symbol)] = quote
}

// Refresh fetches fresh quotes for the configured symbols. A failed fetch
// keeps the previous values; the feed degrades to stale quotes rather than
// no quotes.
func (p *PriceFeed) Refresh(ctx context.Context) error {
	if p.cfg.Endpoint == "" {
		return nil
	}

	endpoint := fmt.Sprintf("%s?symbols=%s", p.cfg.Endpoint, url.QueryEscape(strings.Join(p.cfg.Symbols, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create quote request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch quotes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("quote source returned status %d", resp.StatusCode)
	}

	// Response shape: {"ETH": "3000.12", "SOL": "145.3", ...}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode quote response: %w", err)
	}

	updated := 0
	for symbol, raw := range payload {
		quote, err := decimal.NewFromString(raw)
		if err != nil || !quote.IsPositive() {
			p.logger.Warn("Skipping malformed quote",
				zap.String("symbol", symbol),
				zap.String("value", raw))
			continue
		}
		p.Set(symbol, quote)
		updated++
	}

	p.logger.Debug("Quotes refreshed", zap.Int("updated", updated))
	return nil
}
