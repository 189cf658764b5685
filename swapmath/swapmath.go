// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package swapmath computes single-step swap results in closed form:
// token amounts exchanged while moving the sqrt price between two
// bounds at constant liquidity, with the pool fee applied on the input
// side.
package swapmath

import (
	"errors"
	"math/big"

	"github.com/luxfi/amm/sqrtprice"
)

// FeeDenominator expresses pool fees in parts per million.
const FeeDenominator = 1_000_000

var (
	ErrLiquidityZero = errors.New("liquidity must be greater than zero")
	ErrPriceZero     = errors.New("sqrt price must be greater than zero")
	ErrPriceOverflow = errors.New("price movement exceeds representable range")

	one      = big.NewInt(1)
	feeDenom = big.NewInt(FeeDenominator)
)

func mulDiv(a, b, denom *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Div(p, denom)
}

func mulDivRoundingUp(a, b, denom *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(p, denom, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, one)
	}
	return q
}

func divRoundingUp(a, denom *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, denom, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, one)
	}
	return q
}

// Amount0Delta returns the token0 amount needed to move between two
// sqrt prices at the given liquidity: liquidity * (1/sqrt(lower) -
// 1/sqrt(upper)), rounded in the requested direction.
func Amount0Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int, roundUp bool) (*big.Int, error) {
	lower, upper := sqrtRatioAX96, sqrtRatioBX96
	if lower.Cmp(upper) > 0 {
		lower, upper = upper, lower
	}
	if lower.Sign() <= 0 {
		return nil, ErrPriceZero
	}

	numerator1 := new(big.Int).Lsh(liquidity, 96)
	numerator2 := new(big.Int).Sub(upper, lower)

	if roundUp {
		return divRoundingUp(mulDivRoundingUp(numerator1, numerator2, upper), lower), nil
	}
	res := mulDiv(numerator1, numerator2, upper)
	return res.Div(res, lower), nil
}

// Amount1Delta returns the token1 amount needed to move between two
// sqrt prices at the given liquidity: liquidity * (sqrt(upper) -
// sqrt(lower)), rounded in the requested direction.
func Amount1Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int, roundUp bool) *big.Int {
	lower, upper := sqrtRatioAX96, sqrtRatioBX96
	if lower.Cmp(upper) > 0 {
		lower, upper = upper, lower
	}
	diff := new(big.Int).Sub(upper, lower)
	if roundUp {
		return mulDivRoundingUp(liquidity, diff, sqrtprice.Q96)
	}
	return mulDiv(liquidity, diff, sqrtprice.Q96)
}

// NextSqrtPriceFromInput returns the sqrt price after spending exactly
// amountIn of the input token, rounding so the pool never gives out
// more than the true amount allows.
func NextSqrtPriceFromInput(sqrtPX96, liquidity, amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	if sqrtPX96.Sign() <= 0 {
		return nil, ErrPriceZero
	}
	if liquidity.Sign() <= 0 {
		return nil, ErrLiquidityZero
	}
	if zeroForOne {
		return nextSqrtPriceFromAmount0(sqrtPX96, liquidity, amountIn, true)
	}
	return nextSqrtPriceFromAmount1(sqrtPX96, liquidity, amountIn, true)
}

// NextSqrtPriceFromOutput returns the sqrt price after the pool pays
// out exactly amountOut of the output token.
func NextSqrtPriceFromOutput(sqrtPX96, liquidity, amountOut *big.Int, zeroForOne bool) (*big.Int, error) {
	if sqrtPX96.Sign() <= 0 {
		return nil, ErrPriceZero
	}
	if liquidity.Sign() <= 0 {
		return nil, ErrLiquidityZero
	}
	if zeroForOne {
		return nextSqrtPriceFromAmount1(sqrtPX96, liquidity, amountOut, false)
	}
	return nextSqrtPriceFromAmount0(sqrtPX96, liquidity, amountOut, false)
}

// nextSqrtPriceFromAmount0 solves for the price after adding (add) or
// removing token0 reserves, rounding up so the result stays safe for
// the pool.
func nextSqrtPriceFromAmount0(sqrtPX96, liquidity, amount *big.Int, add bool) (*big.Int, error) {
	if amount.Sign() == 0 {
		return new(big.Int).Set(sqrtPX96), nil
	}
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	product := new(big.Int).Mul(amount, sqrtPX96)

	if add {
		denominator := new(big.Int).Add(numerator1, product)
		return mulDivRoundingUp(numerator1, sqrtPX96, denominator), nil
	}

	if numerator1.Cmp(product) <= 0 {
		return nil, ErrPriceOverflow
	}
	denominator := new(big.Int).Sub(numerator1, product)
	return mulDivRoundingUp(numerator1, sqrtPX96, denominator), nil
}

// nextSqrtPriceFromAmount1 solves for the price after adding (add) or
// removing token1 reserves, rounding down.
func nextSqrtPriceFromAmount1(sqrtPX96, liquidity, amount *big.Int, add bool) (*big.Int, error) {
	if add {
		quotient := mulDiv(amount, sqrtprice.Q96, liquidity)
		return new(big.Int).Add(sqrtPX96, quotient), nil
	}
	quotient := mulDivRoundingUp(amount, sqrtprice.Q96, liquidity)
	if sqrtPX96.Cmp(quotient) <= 0 {
		return nil, ErrPriceOverflow
	}
	return new(big.Int).Sub(sqrtPX96, quotient), nil
}

// StepResult is the outcome of advancing price within one tick range.
type StepResult struct {
	// SqrtRatioNextX96 is the price after the step; equal to the target
	// when the remaining amount was enough to reach it.
	SqrtRatioNextX96 *big.Int
	// AmountIn is the input-token amount consumed, excluding the fee.
	AmountIn *big.Int
	// AmountOut is the output-token amount produced.
	AmountOut *big.Int
	// FeeAmount is the fee taken from the input token.
	FeeAmount *big.Int
}

// ComputeStep advances the price from sqrtRatioCurrentX96 toward
// sqrtRatioTargetX96 at constant liquidity, consuming at most
// amountRemaining. amountRemaining >= 0 requests exact input (fee taken
// off the top before the move); negative requests exact output (fee
// grossed up on the input side afterwards). feePips is the pool fee in
// parts per million.
func ComputeStep(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, amountRemaining *big.Int, feePips uint32) (StepResult, error) {
	zeroForOne := sqrtRatioCurrentX96.Cmp(sqrtRatioTargetX96) >= 0
	exactIn := amountRemaining.Sign() >= 0

	res := StepResult{
		SqrtRatioNextX96: new(big.Int),
		AmountIn:         new(big.Int),
		AmountOut:        new(big.Int),
		FeeAmount:        new(big.Int),
	}
	feeBig := big.NewInt(int64(feePips))
	feeComplement := new(big.Int).Sub(feeDenom, feeBig)

	var err error
	if exactIn {
		amountRemainingLessFee := mulDiv(amountRemaining, feeComplement, feeDenom)
		var full *big.Int
		if zeroForOne {
			full, err = Amount0Delta(sqrtRatioTargetX96, sqrtRatioCurrentX96, liquidity, true)
		} else {
			full = Amount1Delta(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, true)
		}
		if err != nil {
			return StepResult{}, err
		}
		if amountRemainingLessFee.Cmp(full) >= 0 {
			res.SqrtRatioNextX96.Set(sqrtRatioTargetX96)
		} else {
			next, err := NextSqrtPriceFromInput(sqrtRatioCurrentX96, liquidity, amountRemainingLessFee, zeroForOne)
			if err != nil {
				return StepResult{}, err
			}
			res.SqrtRatioNextX96.Set(next)
		}
	} else {
		amountOutWanted := new(big.Int).Neg(amountRemaining)
		var full *big.Int
		if zeroForOne {
			full = Amount1Delta(sqrtRatioTargetX96, sqrtRatioCurrentX96, liquidity, false)
		} else {
			full, err = Amount0Delta(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, false)
			if err != nil {
				return StepResult{}, err
			}
		}
		if amountOutWanted.Cmp(full) >= 0 {
			res.SqrtRatioNextX96.Set(sqrtRatioTargetX96)
		} else {
			next, err := NextSqrtPriceFromOutput(sqrtRatioCurrentX96, liquidity, amountOutWanted, zeroForOne)
			if err != nil {
				return StepResult{}, err
			}
			res.SqrtRatioNextX96.Set(next)
		}
	}

	reachedTarget := sqrtRatioTargetX96.Cmp(res.SqrtRatioNextX96) == 0

	// Recompute both legs against the price actually reached. Rounding
	// always favors the pool: input rounds up, output rounds down.
	if zeroForOne {
		if !(reachedTarget && exactIn) {
			in, err := Amount0Delta(res.SqrtRatioNextX96, sqrtRatioCurrentX96, liquidity, true)
			if err != nil {
				return StepResult{}, err
			}
			res.AmountIn.Set(in)
		} else {
			in, err := Amount0Delta(sqrtRatioTargetX96, sqrtRatioCurrentX96, liquidity, true)
			if err != nil {
				return StepResult{}, err
			}
			res.AmountIn.Set(in)
		}
		res.AmountOut.Set(Amount1Delta(res.SqrtRatioNextX96, sqrtRatioCurrentX96, liquidity, false))
	} else {
		res.AmountIn.Set(Amount1Delta(sqrtRatioCurrentX96, res.SqrtRatioNextX96, liquidity, true))
		out, err := Amount0Delta(sqrtRatioCurrentX96, res.SqrtRatioNextX96, liquidity, false)
		if err != nil {
			return StepResult{}, err
		}
		res.AmountOut.Set(out)
	}

	if !exactIn {
		wanted := new(big.Int).Neg(amountRemaining)
		if res.AmountOut.Cmp(wanted) > 0 {
			res.AmountOut.Set(wanted)
		}
	}

	if exactIn && !reachedTarget {
		// Stopped short of the boundary: whatever input remains after
		// the principal is the fee.
		res.FeeAmount.Sub(amountRemaining, res.AmountIn)
	} else {
		res.FeeAmount.Set(mulDivRoundingUp(res.AmountIn, feeBig, feeComplement))
	}

	return res, nil
}
