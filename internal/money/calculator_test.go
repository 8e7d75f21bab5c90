package money

import (
	"errors"
	"testing"
)

func TestCalculateQuoteTotals_TaxDisabled(t *testing.T) {
	items := []LineItem{
		{Quantity: 2, UnitPrice: 2500},
		{Quantity: 1, UnitPrice: 5000},
	}

	totals, err := CalculateQuoteTotals(items, false, 1000)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if totals.Subtotal != 10000 {
		t.Fatalf("expected subtotal 10000, got %d", totals.Subtotal)
	}
	if totals.Tax != 0 {
		t.Fatalf("expected zero tax when disabled, got %d", totals.Tax)
	}
	if totals.Total != totals.Subtotal+totals.Tax {
		t.Fatalf("total invariant violated: %d != %d + %d", totals.Total, totals.Subtotal, totals.Tax)
	}
}

func TestCalculateQuoteTotals_TaxEnabled(t *testing.T) {
	// 1000 subtotal at 10% -> 100 tax, 1100 total.
	items := []LineItem{{Quantity: 1, UnitPrice: 1000}}

	totals, err := CalculateQuoteTotals(items, true, 1000)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if totals.Subtotal != 1000 || totals.Tax != 100 || totals.Total != 1100 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestCalculateQuoteTotals_RoundsHalfUpAtFinalStep(t *testing.T) {
	tests := []struct {
		name       string
		subtotal   int64
		taxRateBps int64
		wantTax    int64
	}{
		{name: "exact", subtotal: 1000, taxRateBps: 1000, wantTax: 100},
		{name: "rounds up from half", subtotal: 5, taxRateBps: 1000, wantTax: 1},   // 0.5 -> 1
		{name: "rounds down below half", subtotal: 4, taxRateBps: 1000, wantTax: 0}, // 0.4 -> 0
		{name: "odd rate", subtotal: 999, taxRateBps: 725, wantTax: 72},             // 72.4275 -> 72
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			totals, err := CalculateQuoteTotals([]LineItem{{Quantity: 1, UnitPrice: tc.subtotal}}, true, tc.taxRateBps)
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if totals.Tax != tc.wantTax {
				t.Fatalf("expected tax %d, got %d", tc.wantTax, totals.Tax)
			}
			if totals.Total != totals.Subtotal+totals.Tax {
				t.Fatalf("total invariant violated: %+v", totals)
			}
		})
	}
}

func TestCalculateQuoteTotals_IsDeterministic(t *testing.T) {
	items := []LineItem{
		{Quantity: 3, UnitPrice: 333},
		{Quantity: 7, UnitPrice: 1429},
	}

	first, err := CalculateQuoteTotals(items, true, 875)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	for i := 0; i < 100; i++ {
		again, err := CalculateQuoteTotals(items, true, 875)
		if err != nil {
			t.Fatalf("expected nil error on run %d, got %v", i, err)
		}
		if again != first {
			t.Fatalf("run %d diverged: %+v != %+v", i, again, first)
		}
	}
}

func TestCalculateQuoteTotals_RejectsNegativeInputs(t *testing.T) {
	tests := []struct {
		name  string
		items []LineItem
	}{
		{name: "negative quantity", items: []LineItem{{Quantity: -1, UnitPrice: 100}}},
		{name: "negative price", items: []LineItem{{Quantity: 1, UnitPrice: -100}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := CalculateQuoteTotals(tc.items, false, 0); !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
}

func TestCalculateQuoteTotals_RejectsOversizedTotals(t *testing.T) {
	items := []LineItem{{Quantity: 1, UnitPrice: MaxTransactionAmount + 1}}
	if _, err := CalculateQuoteTotals(items, false, 0); !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("expected ErrAmountTooLarge, got %v", err)
	}
}

func TestCalculateFees(t *testing.T) {
	// 2.9% + 30c processor, 5% platform on a 10000 gross.
	fees, err := CalculateFees(10000, 290, 30, 500)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if fees.ProcessorFee != 320 {
		t.Fatalf("expected processor fee 320, got %d", fees.ProcessorFee)
	}
	if fees.PlatformFee != 500 {
		t.Fatalf("expected platform fee 500, got %d", fees.PlatformFee)
	}
	if fees.NetPayable != 10000-320-500 {
		t.Fatalf("expected net %d, got %d", 10000-320-500, fees.NetPayable)
	}
}

func TestCalculateFees_RejectsFeesExceedingGross(t *testing.T) {
	if _, err := CalculateFees(10, 0, 500, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
