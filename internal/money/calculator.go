/**
 * @description
 * Pure monetary calculations for quotes and payouts. All arithmetic is
 * performed in integer minor currency units (cents); rates are expressed in
 * basis points so intermediate values stay integral. Rounding happens
 * half-up, and only at the final output step.
 */

package money

import (
	"errors"
	"math"
)

// MaxTransactionAmount caps a single quote total at 50,000,000.00 in minor
// units. Anything above is treated as an input error, not a quote.
const MaxTransactionAmount int64 = 5_000_000_000

const bpsDenominator int64 = 10_000

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrAmountTooLarge = errors.New("amount exceeds maximum transaction size")
)

// LineItem is the minimal shape the calculator needs: a quantity and a unit
// price in minor units.
type LineItem struct {
	Quantity  int64
	UnitPrice int64
}

// Totals is the computed quote breakdown. Total is always Subtotal + Tax.
type Totals struct {
	Subtotal int64
	Tax      int64
	Total    int64
}

// FeeBreakdown splits a gross captured amount into processor fee, platform
// fee, and the net amount payable to the provider.
type FeeBreakdown struct {
	ProcessorFee int64
	PlatformFee  int64
	NetPayable   int64
}

// CalculateQuoteTotals computes subtotal, tax, and total for an ordered list
// of line items. taxRateBps is applied only when taxEnabled is set. The same
// input always yields the same output.
func CalculateQuoteTotals(items []LineItem, taxEnabled bool, taxRateBps int64) (Totals, error) {
	if taxRateBps < 0 {
		return Totals{}, ErrInvalidAmount
	}

	var subtotal int64
	for _, item := range items {
		if item.Quantity < 0 || item.UnitPrice < 0 {
			return Totals{}, ErrInvalidAmount
		}
		line, err := mulChecked(item.Quantity, item.UnitPrice)
		if err != nil {
			return Totals{}, err
		}
		subtotal, err = addChecked(subtotal, line)
		if err != nil {
			return Totals{}, err
		}
		if subtotal > MaxTransactionAmount {
			return Totals{}, ErrAmountTooLarge
		}
	}

	var tax int64
	if taxEnabled {
		var err error
		tax, err = applyBps(subtotal, taxRateBps)
		if err != nil {
			return Totals{}, err
		}
	}

	total, err := addChecked(subtotal, tax)
	if err != nil {
		return Totals{}, err
	}
	if total > MaxTransactionAmount {
		return Totals{}, ErrAmountTooLarge
	}

	return Totals{Subtotal: subtotal, Tax: tax, Total: total}, nil
}

// CalculateFees splits a gross amount into processor fee (rate + fixed
// component, matching the processor's published pricing), platform fee, and
// the net payable to the provider.
func CalculateFees(gross int64, processorFeeBps, processorFeeFixed, platformFeeBps int64) (FeeBreakdown, error) {
	if gross < 0 || processorFeeBps < 0 || processorFeeFixed < 0 || platformFeeBps < 0 {
		return FeeBreakdown{}, ErrInvalidAmount
	}
	if gross > MaxTransactionAmount {
		return FeeBreakdown{}, ErrAmountTooLarge
	}

	processorFee, err := applyBps(gross, processorFeeBps)
	if err != nil {
		return FeeBreakdown{}, err
	}
	processorFee, err = addChecked(processorFee, processorFeeFixed)
	if err != nil {
		return FeeBreakdown{}, err
	}

	platformFee, err := applyBps(gross, platformFeeBps)
	if err != nil {
		return FeeBreakdown{}, err
	}

	net := gross - processorFee - platformFee
	if net < 0 {
		// Fees exceeding the gross amount indicate misconfigured rates.
		return FeeBreakdown{}, ErrInvalidAmount
	}

	return FeeBreakdown{ProcessorFee: processorFee, PlatformFee: platformFee, NetPayable: net}, nil
}

// applyBps multiplies amount by a basis-point rate, rounding half-up at the
// final step only.
func applyBps(amount, bps int64) (int64, error) {
	product, err := mulChecked(amount, bps)
	if err != nil {
		return 0, err
	}
	rounded, err := addChecked(product, bpsDenominator/2)
	if err != nil {
		return 0, err
	}
	return rounded / bpsDenominator, nil
}

func mulChecked(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxInt64/b {
		return 0, ErrAmountTooLarge
	}
	return a * b, nil
}

func addChecked(a, b int64) (int64, error) {
	if a > math.MaxInt64-b {
		return 0, ErrAmountTooLarge
	}
	return a + b, nil
}
