package stage

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultTableInvariants(t *testing.T) {
	if err := Default.Validate(); err != nil {
		t.Fatalf("default table invalid: %v", err)
	}

	// Cumulative values must be the running sum of targets and strictly increasing.
	running := decimal.Zero
	for _, s := range Default {
		running = running.Add(s.TargetETH)
		if !s.CumulativeETH.Equal(running) {
			t.Errorf("stage %d: cumulative %s, want %s", s.Number, s.CumulativeETH, running)
		}
	}
}

func TestCurrentStageBoundaries(t *testing.T) {
	table := build([]spec{
		{price: "0.0000100", alloc: 100, target: "175", discount: "50"},
		{price: "0.0000150", alloc: 100, target: "350", discount: "0"},
	})
	if err := table.Validate(); err != nil {
		t.Fatalf("table invalid: %v", err)
	}
	if got := table[0].CumulativeETH; !got.Equal(decimal.NewFromInt(175)) {
		t.Fatalf("cumulative[0] = %s, want 175", got)
	}
	if got := table[1].CumulativeETH; !got.Equal(decimal.NewFromInt(525)) {
		t.Fatalf("cumulative[1] = %s, want 525", got)
	}

	tests := []struct {
		name   string
		raised int64
		want   int
	}{
		{"below first boundary", 100, 1},
		{"zero raised", 0, 1},
		{"exact boundary moves to next stage", 175, 2},
		{"inside second stage", 300, 2},
		{"beyond last boundary is sticky", 600, 2},
		{"far beyond last boundary is sticky", 1_000_000, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Current(decimal.NewFromInt(tt.raised))
			if got.Number != tt.want {
				t.Errorf("Current(%d) = stage %d, want %d", tt.raised, got.Number, tt.want)
			}
		})
	}
}

func TestCurrentIsIdempotentBeyondLastStage(t *testing.T) {
	last := Default[len(Default)-1]
	for _, raised := range []string{"6300", "6301", "999999"} {
		got := Default.Current(decimal.RequireFromString(raised))
		if got.Number != last.Number {
			t.Errorf("Current(%s) = stage %d, want sticky last stage %d", raised, got.Number, last.Number)
		}
	}
}

func TestValidateRejectsBrokenCumulative(t *testing.T) {
	table := Table{
		{Number: 1, PriceETH: decimal.New(1, -5), TargetETH: decimal.NewFromInt(100), CumulativeETH: decimal.NewFromInt(100)},
		{Number: 2, PriceETH: decimal.New(2, -5), TargetETH: decimal.NewFromInt(200), CumulativeETH: decimal.NewFromInt(250)},
	}
	if err := table.Validate(); err == nil {
		t.Fatal("expected validation error for broken cumulative sum")
	}
}

func TestProgress(t *testing.T) {
	table := build([]spec{
		{price: "0.0000100", alloc: 100, target: "200", discount: "50"},
		{price: "0.0000150", alloc: 100, target: "400", discount: "0"},
	})

	tests := []struct {
		raised string
		want   string
	}{
		{"0", "0"},
		{"50", "0.25"},
		{"200", "0"},   // just entered stage 2
		{"400", "0.5"}, // halfway through stage 2 (floor 200, target 400)
		{"9999", "1"},  // past the end
	}
	for _, tt := range tests {
		got := table.Progress(decimal.RequireFromString(tt.raised))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Progress(%s) = %s, want %s", tt.raised, got, tt.want)
		}
	}
}

func TestTokensFor(t *testing.T) {
	s := Stage{Number: 1, PriceETH: decimal.RequireFromString("0.00001")}
	ethUSD := decimal.NewFromInt(2000) // token price = 0.02 USD

	got, err := TokensFor(decimal.NewFromInt(100), ethUSD, s)
	if err != nil {
		t.Fatalf("TokensFor: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("TokensFor(100 USD) = %s, want 5000", got)
	}

	if _, err := TokensFor(decimal.NewFromInt(100), decimal.Zero, s); err == nil {
		t.Error("expected error for zero ETH quote")
	}
}
