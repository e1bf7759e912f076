package domain

import (
	"fmt"
	"math/big"
)

// MaxBps is the basis-point denominator used by the bond manager contract.
const MaxBps = 10_000

// BondConfig mirrors the bond manager's on-chain configuration.
type BondConfig struct {
	DefaultBondAmount  *big.Int
	CreationPenaltyBps uint16
}

// BondBreakdown splits a bond into the non-refundable creation fee and the
// refundable remainder.
type BondBreakdown struct {
	Amount     *big.Int `json:"amount"`
	PenaltyBps uint16   `json:"penalty_bps"`
	Fee        *big.Int `json:"fee"`
	Refundable *big.Int `json:"refundable"`
}

// ComputeBond returns fee = floor(amount*bps/10000) and
// refundable = amount - fee using integer arithmetic only, matching the
// contract's uint256 math. fee + refundable always equals amount.
func ComputeBond(amount *big.Int, penaltyBps uint16) (BondBreakdown, error) {
	if amount == nil {
		return BondBreakdown{}, fmt.Errorf("%w: amount is required", ErrInvalidBond)
	}
	if amount.Sign() < 0 {
		return BondBreakdown{}, fmt.Errorf("%w: amount %s is negative", ErrInvalidBond, amount)
	}
	if penaltyBps > MaxBps {
		return BondBreakdown{}, fmt.Errorf("%w: penalty %d bps exceeds %d", ErrInvalidBond, penaltyBps, MaxBps)
	}

	fee := new(big.Int).Mul(amount, big.NewInt(int64(penaltyBps)))
	// Quo truncates toward zero, which is floor for non-negative operands.
	fee.Quo(fee, big.NewInt(MaxBps))
	refundable := new(big.Int).Sub(amount, fee)

	return BondBreakdown{
		Amount:     new(big.Int).Set(amount),
		PenaltyBps: penaltyBps,
		Fee:        fee,
		Refundable: refundable,
	}, nil
}

// Breakdown applies ComputeBond to the config's own values.
func (c BondConfig) Breakdown() (BondBreakdown, error) {
	return ComputeBond(c.DefaultBondAmount, c.CreationPenaltyBps)
}
