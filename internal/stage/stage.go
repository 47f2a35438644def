package stage

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Stage is one presale pricing tier. The table is fixed at build time; a tier
// activates once the cumulative raised amount crosses the previous tier's
// boundary.
type Stage struct {
	Number          int
	PriceETH        decimal.Decimal // token price in ETH
	TokenAllocation int64
	TargetETH       decimal.Decimal
	CumulativeETH   decimal.Decimal
	DiscountPct     decimal.Decimal
}

// Table is an ordered, immutable sequence of stages.
type Table []Stage

// Default is the production stage table.
var Default = build([]spec{
	{price: "0.0000080", alloc: 250_000_000, target: "175", discount: "60"},
	{price: "0.0000100", alloc: 250_000_000, target: "350", discount: "50"},
	{price: "0.0000125", alloc: 250_000_000, target: "525", discount: "42"},
	{price: "0.0000150", alloc: 200_000_000, target: "700", discount: "35"},
	{price: "0.0000175", alloc: 200_000_000, target: "875", discount: "27"},
	{price: "0.0000200", alloc: 150_000_000, target: "1050", discount: "20"},
	{price: "0.0000225", alloc: 150_000_000, target: "1225", discount: "12"},
	{price: "0.0000250", alloc: 100_000_000, target: "1400", discount: "0"},
})

type spec struct {
	price    string
	alloc    int64
	target   string
	discount string
}

func build(specs []spec) Table {
	table := make(Table, 0, len(specs))
	cumulative := decimal.Zero
	for i, s := range specs {
		target := decimal.RequireFromString(s.target)
		cumulative = cumulative.Add(target)
		table = append(table, Stage{
			Number:          i + 1,
			PriceETH:        decimal.RequireFromString(s.price),
			TokenAllocation: s.alloc,
			TargetETH:       target,
			CumulativeETH:   cumulative,
			DiscountPct:     decimal.RequireFromString(s.discount),
		})
	}
	return table
}

// Validate checks the structural invariants of the table: numbering is
// sequential from 1, targets are positive, and each cumulative value equals
// the previous cumulative plus this stage's target (so the sequence is
// strictly increasing).
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("stage table is empty")
	}
	prev := decimal.Zero
	for i, s := range t {
		if s.Number != i+1 {
			return fmt.Errorf("stage %d: number %d out of sequence", i, s.Number)
		}
		if !s.TargetETH.IsPositive() {
			return fmt.Errorf("stage %d: target %s is not positive", s.Number, s.TargetETH)
		}
		if !s.CumulativeETH.Equal(prev.Add(s.TargetETH)) {
			return fmt.Errorf("stage %d: cumulative %s != %s + %s",
				s.Number, s.CumulativeETH, prev, s.TargetETH)
		}
		prev = s.CumulativeETH
	}
	return nil
}

// Current returns the active stage for a given total raised (in ETH): the
// first stage whose cumulative target exceeds the raised amount. Once the
// last boundary is passed the last stage is sticky for any larger input.
func (t Table) Current(raised decimal.Decimal) Stage {
	for _, s := range t {
		if raised.LessThan(s.CumulativeETH) {
			return s
		}
	}
	return t[len(t)-1]
}

// Progress returns the fraction (0..1) of the current stage's boundary that
// the raised amount has covered. Derived on read, never cached.
func (t Table) Progress(raised decimal.Decimal) decimal.Decimal {
	s := t.Current(raised)
	if raised.GreaterThanOrEqual(s.CumulativeETH) {
		return decimal.NewFromInt(1)
	}
	floor := s.CumulativeETH.Sub(s.TargetETH)
	return raised.Sub(floor).Div(s.TargetETH)
}

// TokensFor computes the token quantity a USD spend buys at stage s, given
// the current ETH/USD quote.
func TokensFor(usd, ethUSD decimal.Decimal, s Stage) (decimal.Decimal, error) {
	if !ethUSD.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid ETH quote: %s", ethUSD)
	}
	priceUSD := s.PriceETH.Mul(ethUSD)
	if !priceUSD.IsPositive() {
		return decimal.Zero, fmt.Errorf("stage %d has non-positive price", s.Number)
	}
	return usd.DivRound(priceUSD, 8), nil
}
