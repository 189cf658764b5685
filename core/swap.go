// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/amm/sqrtprice"
	"github.com/luxfi/amm/swapmath"
)

// Swap executes a swap against a pool inside the active lock.
//
// params.AmountSpecified is signed: positive requests exact input of
// the specified token, negative exact output. The price moves down
// (token0 in, token1 out) when the specified token and the sign agree
// on token0 being paid in, up otherwise. The resulting delta is signed
// from the caller's perspective: positive amounts are owed to the
// pool, negative are paid out, and both legs are charged to the active
// lock's debt for later settlement.
func (m *Manager) Swap(key PoolKey, params SwapParams) (BalanceDelta, error) {
	lc, err := m.activeLock()
	if err != nil {
		return ZeroBalanceDelta(), err
	}
	if params.AmountSpecified == nil || params.AmountSpecified.Sign() == 0 {
		return ZeroBalanceDelta(), nil
	}
	if err := checkDeltaI128(params.AmountSpecified); err != nil {
		return ZeroBalanceDelta(), err
	}

	poolID := key.ID()
	if !m.getPool(poolID).IsInitialized() {
		return ZeroBalanceDelta(), ErrPoolNotInitialized
	}
	ext, err := m.extensionFor(key)
	if err != nil {
		return ZeroBalanceDelta(), err
	}

	exactIn := params.AmountSpecified.Sign() > 0
	zeroForOne := exactIn != params.Token1Specified

	if ext != nil {
		if err := m.callHook(key.Extension, func() error {
			return ext.BeforeSwap(m, key, params)
		}); err != nil {
			return ZeroBalanceDelta(), err
		}
	}

	// The hook may have re-entered and changed the pool; read price and
	// state only after it has run.
	pool := m.getPool(poolID)
	if !pool.IsInitialized() {
		return ZeroBalanceDelta(), ErrPoolNotInitialized
	}
	price := sqrtprice.Decompress(pool.SqrtPrice)
	limit, err := swapPriceLimit(params.SqrtPriceLimitX96, price, zeroForOne)
	if err != nil {
		return ZeroBalanceDelta(), err
	}

	budget := params.SearchBudget
	if budget < 1 {
		budget = m.cfg.SearchBudget
	}

	state := pool.clone()
	compact := pool.SqrtPrice
	remaining := new(big.Int).Set(params.AmountSpecified)
	calculated := new(big.Int)
	bitmap := m.bitmap(poolID)

	for remaining.Sign() != 0 && price.Cmp(limit) != 0 {
		nextTick, initialized := bitmap.FindNextSet(state.Tick, key.TickSpacing, zeroForOne, budget)
		sqrtNext, err := sqrtprice.SqrtRatioAtTick(nextTick)
		if err != nil {
			return ZeroBalanceDelta(), err
		}

		target := sqrtNext
		if zeroForOne {
			if target.Cmp(limit) < 0 {
				target = limit
			}
		} else {
			if target.Cmp(limit) > 0 {
				target = limit
			}
		}

		if state.Liquidity.Sign() == 0 {
			// No liquidity in range: the price jumps to the target
			// consuming nothing. Cheap re-pricing of uninitialized
			// ranges; callers must not assume a swap consumes a
			// nonzero amount.
			price = new(big.Int).Set(target)
		} else {
			res, err := swapmath.ComputeStep(price, target, state.Liquidity, remaining, key.Fee)
			if err != nil {
				return ZeroBalanceDelta(), err
			}

			reached := res.SqrtRatioNextX96.Cmp(target) == 0
			if !reached {
				// Check the step survives the lossy price container.
				newCompact, err := sqrtprice.Compress(res.SqrtRatioNextX96, zeroForOne)
				if err != nil {
					return ZeroBalanceDelta(), err
				}
				if newCompact == compact {
					// The step rounds to no price movement. Defined
					// behavior: the entire remainder is charged as
					// fee and the swap ends.
					if exactIn {
						m.creditFeeGrowth(state, zeroForOne, remaining)
						remaining.SetInt64(0)
					} else {
						m.creditFeeGrowth(state, !zeroForOne, new(big.Int).Abs(remaining))
						// remaining stays: the undelivered output is
						// kept by the pool, excluded from the delta.
					}
					break
				}
			}

			price = res.SqrtRatioNextX96
			if exactIn {
				remaining.Sub(remaining, res.AmountIn)
				remaining.Sub(remaining, res.FeeAmount)
				calculated.Sub(calculated, res.AmountOut)
			} else {
				remaining.Add(remaining, res.AmountOut)
				calculated.Add(calculated, res.AmountIn)
				calculated.Add(calculated, res.FeeAmount)
			}
			m.creditFeeGrowth(state, zeroForOne, res.FeeAmount)
		}

		newCompact, err := sqrtprice.Compress(price, zeroForOne)
		if err != nil {
			return ZeroBalanceDelta(), err
		}
		compact = newCompact

		if price.Cmp(sqrtNext) == 0 {
			// Landed on a tick boundary.
			if initialized {
				net := m.crossTick(poolID, nextTick, state.FeeGrowth0X128, state.FeeGrowth1X128)
				if zeroForOne {
					state.Liquidity.Sub(state.Liquidity, net)
				} else {
					state.Liquidity.Add(state.Liquidity, net)
				}
				if state.Liquidity.Sign() < 0 {
					return ZeroBalanceDelta(), ErrInsufficientLiquidity
				}
			}
			if zeroForOne {
				state.Tick = nextTick - 1
			} else {
				state.Tick = nextTick
			}
		} else {
			tick, err := sqrtprice.TickAtSqrtRatio(price)
			if err != nil {
				return ZeroBalanceDelta(), err
			}
			state.Tick = tick
		}
	}

	state.SqrtPrice = compact
	m.setPool(poolID, state)

	consumed := new(big.Int).Sub(params.AmountSpecified, remaining)
	var delta BalanceDelta
	if params.Token1Specified {
		delta = NewBalanceDelta(calculated, consumed)
	} else {
		delta = NewBalanceDelta(consumed, calculated)
	}

	if err := m.accountDebt(lc.id, key.Currency0, delta.Amount0); err != nil {
		return ZeroBalanceDelta(), err
	}
	if err := m.accountDebt(lc.id, key.Currency1, delta.Amount1); err != nil {
		return ZeroBalanceDelta(), err
	}

	if ext != nil {
		if err := m.callHook(key.Extension, func() error {
			return ext.AfterSwap(m, key, params, delta)
		}); err != nil {
			return ZeroBalanceDelta(), err
		}
	}

	m.log.Debug("swap",
		"pool", common.Hash(poolID),
		"amount0", delta.Amount0,
		"amount1", delta.Amount1,
		"tick", state.Tick)
	return delta, nil
}

// creditFeeGrowth adds a fee amount to the accumulator of the fee
// token (the input side of the step) at current active liquidity.
func (m *Manager) creditFeeGrowth(state *Pool, feeOnToken0 bool, fee *big.Int) {
	if fee.Sign() <= 0 || state.Liquidity.Sign() <= 0 {
		return
	}
	growth := new(big.Int).Mul(fee, q128)
	growth.Div(growth, state.Liquidity)
	if feeOnToken0 {
		state.FeeGrowth0X128.Add(state.FeeGrowth0X128, growth)
	} else {
		state.FeeGrowth1X128.Add(state.FeeGrowth1X128, growth)
	}
}

// swapPriceLimit validates a caller-supplied price limit or supplies
// the directional bound when none is given.
func swapPriceLimit(limit, current *big.Int, zeroForOne bool) (*big.Int, error) {
	if limit == nil {
		if zeroForOne {
			return new(big.Int).Add(sqrtprice.MinSqrtRatio, bigOne), nil
		}
		return new(big.Int).Sub(sqrtprice.MaxSqrtRatio, bigOne), nil
	}
	// Strictly inside the global ratio range: a swap must never land
	// exactly on a bound, where no further tick exists.
	if limit.Cmp(sqrtprice.MinSqrtRatio) <= 0 || limit.Cmp(sqrtprice.MaxSqrtRatio) >= 0 {
		return nil, ErrInvalidPriceLimit
	}
	if zeroForOne && limit.Cmp(current) >= 0 {
		return nil, ErrInvalidPriceLimit
	}
	if !zeroForOne && limit.Cmp(current) <= 0 {
		return nil, ErrInvalidPriceLimit
	}
	return new(big.Int).Set(limit), nil
}
