// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"bytes"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/amm/sqrtprice"
)

// =========================================================================
// Pool Initialization
// =========================================================================

// Initialize creates and initializes a new pool at the given sqrt
// price. Returns the tick corresponding to the starting price.
func (m *Manager) Initialize(key PoolKey, sqrtPriceX96 *big.Int) (int24, error) {
	snap := m.journal.snapshot()
	m.opDepth++
	tick, err := m.initialize(key, sqrtPriceX96)
	m.opDepth--
	m.finalize(snap, err)
	return tick, err
}

func (m *Manager) initialize(key PoolKey, sqrtPriceX96 *big.Int) (int24, error) {
	if !areCurrenciesSorted(key.Currency0, key.Currency1) {
		return 0, ErrCurrencyNotSorted
	}
	if key.Fee > FeeMax {
		return 0, ErrInvalidFee
	}
	if key.TickSpacing < 1 || key.TickSpacing > MaxTickSpacing {
		return 0, ErrInvalidTickSpacing
	}
	if sqrtPriceX96 == nil || sqrtPriceX96.Cmp(sqrtprice.MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(sqrtprice.MaxSqrtRatio) > 0 {
		return 0, ErrInvalidSqrtPrice
	}
	ext, err := m.extensionFor(key)
	if err != nil {
		return 0, err
	}

	poolID := key.ID()
	if m.getPool(poolID).IsInitialized() {
		return 0, ErrPoolAlreadyInitialized
	}

	if ext != nil {
		if err := m.callHook(key.Extension, func() error {
			return ext.BeforeInitialize(m, key, sqrtPriceX96)
		}); err != nil {
			return 0, err
		}
		// The hook may have initialized this very pool re-entrantly;
		// overwriting it here would discard that state.
		if m.getPool(poolID).IsInitialized() {
			return 0, ErrPoolAlreadyInitialized
		}
	}

	tick, err := sqrtprice.TickAtSqrtRatio(sqrtPriceX96)
	if err != nil {
		return 0, err
	}
	compact, err := sqrtprice.Compress(sqrtPriceX96, false)
	if err != nil {
		return 0, err
	}

	pool := NewPool()
	pool.SqrtPrice = compact
	pool.Tick = tick
	m.setPool(poolID, pool)
	m.setPoolKey(poolID, key)

	if ext != nil {
		if err := m.callHook(key.Extension, func() error {
			return ext.AfterInitialize(m, key, sqrtPriceX96, tick)
		}); err != nil {
			return 0, err
		}
	}

	m.log.Info("pool initialized",
		"pool", common.Hash(poolID),
		"tick", tick,
		"fee", key.Fee,
		"spacing", key.TickSpacing)
	return tick, nil
}

// GetPool returns the current state of a pool.
func (m *Manager) GetPool(key PoolKey) (*Pool, error) {
	pool := m.getPool(key.ID())
	if !pool.IsInitialized() {
		return nil, ErrPoolNotInitialized
	}
	return pool.clone(), nil
}

// areCurrenciesSorted returns true if currencies are properly sorted.
func areCurrenciesSorted(c0, c1 Currency) bool {
	return bytes.Compare(c0.Address.Bytes(), c1.Address.Bytes()) < 0
}

// =========================================================================
// Fee accumulation
// =========================================================================

// AccumulateFees credits amounts to a pool's fee-per-liquidity
// accumulators and charges them as debt to the active lock. Callable
// only by the pool's registered extension (via Forward or a hook). At
// zero active liquidity the credit is silently discarded while the
// debt is still charged; callers must avoid that window or accept the
// fee loss.
func (m *Manager) AccumulateFees(key PoolKey, amount0, amount1 *big.Int) error {
	lc, err := m.activeLock()
	if err != nil {
		return err
	}
	if key.Extension == (common.Address{}) || lc.owner != key.Extension {
		return ErrUnauthorized
	}
	if err := checkAmountU128(amount0); err != nil {
		return err
	}
	if err := checkAmountU128(amount1); err != nil {
		return err
	}

	poolID := key.ID()
	pool := m.getPool(poolID)
	if !pool.IsInitialized() {
		return ErrPoolNotInitialized
	}

	if err := m.accountDebt(lc.id, key.Currency0, amount0); err != nil {
		return err
	}
	if err := m.accountDebt(lc.id, key.Currency1, amount1); err != nil {
		return err
	}

	if pool.Liquidity.Sign() <= 0 {
		m.log.Debug("fee accumulation discarded at zero liquidity",
			"pool", common.Hash(poolID),
			"amount0", amount0,
			"amount1", amount1)
		return nil
	}

	next := pool.clone()
	if amount0.Sign() > 0 {
		growth := new(big.Int).Mul(amount0, q128)
		growth.Div(growth, next.Liquidity)
		next.FeeGrowth0X128.Add(next.FeeGrowth0X128, growth)
	}
	if amount1.Sign() > 0 {
		growth := new(big.Int).Mul(amount1, q128)
		growth.Div(growth, next.Liquidity)
		next.FeeGrowth1X128.Add(next.FeeGrowth1X128, growth)
	}
	m.setPool(poolID, next)
	return nil
}

// =========================================================================
// Tick records
// =========================================================================

// updateTick applies a liquidity delta to a tick record, creating it
// on first reference and deleting it when gross liquidity returns to
// zero. Reports whether the tick's bitmap bit must flip.
func (m *Manager) updateTick(
	poolID [32]byte,
	tick, currentTick int24,
	delta *big.Int,
	upper bool,
	feeGrowth0, feeGrowth1 *big.Int,
	maxLiquidity *big.Int,
) (flipped bool, err error) {
	info := m.getTick(poolID, tick)

	grossAfter := new(big.Int).Add(info.LiquidityGross, delta)
	if grossAfter.Sign() < 0 {
		return false, ErrInsufficientLiquidity
	}
	if grossAfter.Cmp(maxLiquidity) > 0 {
		return false, ErrLiquidityCapExceeded
	}
	flipped = (grossAfter.Sign() == 0) != (info.LiquidityGross.Sign() == 0)

	if info.LiquidityGross.Sign() == 0 {
		// Seed the outside accumulators so that a range whose
		// liquidity just became nonzero reads exactly zero inside
		// fees: everything accrued so far counts as "outside" when
		// the tick is at or below the current price.
		if tick <= currentTick {
			info.FeeGrowthOutside0X128.Set(feeGrowth0)
			info.FeeGrowthOutside1X128.Set(feeGrowth1)
		}
	}

	info.LiquidityGross = grossAfter
	if upper {
		info.LiquidityNet.Sub(info.LiquidityNet, delta)
	} else {
		info.LiquidityNet.Add(info.LiquidityNet, delta)
	}

	if grossAfter.Sign() == 0 {
		m.setTick(poolID, tick, nil)
	} else {
		m.setTick(poolID, tick, info)
	}
	return flipped, nil
}

// crossTick flips a tick's outside accumulators as the price crosses
// it and returns the signed liquidity delta to apply.
func (m *Manager) crossTick(poolID [32]byte, tick int24, feeGrowth0, feeGrowth1 *big.Int) *big.Int {
	info := m.getTick(poolID, tick)
	info.FeeGrowthOutside0X128 = satSub(feeGrowth0, info.FeeGrowthOutside0X128)
	info.FeeGrowthOutside1X128 = satSub(feeGrowth1, info.FeeGrowthOutside1X128)
	m.setTick(poolID, tick, info)
	return new(big.Int).Set(info.LiquidityNet)
}

// feeGrowthInside derives the fee growth accumulated strictly inside a
// tick range, in both currencies. Subtractions saturate at zero so an
// inconsistent seeding can never underflow into a near-maximum value.
func (m *Manager) feeGrowthInside(
	poolID [32]byte,
	tickLower, tickUpper, currentTick int24,
	feeGrowth0, feeGrowth1 *big.Int,
) (inside0, inside1 *big.Int) {
	lower := m.getTick(poolID, tickLower)
	upper := m.getTick(poolID, tickUpper)

	var below0, below1 *big.Int
	if currentTick >= tickLower {
		below0 = lower.FeeGrowthOutside0X128
		below1 = lower.FeeGrowthOutside1X128
	} else {
		below0 = satSub(feeGrowth0, lower.FeeGrowthOutside0X128)
		below1 = satSub(feeGrowth1, lower.FeeGrowthOutside1X128)
	}

	var above0, above1 *big.Int
	if currentTick < tickUpper {
		above0 = upper.FeeGrowthOutside0X128
		above1 = upper.FeeGrowthOutside1X128
	} else {
		above0 = satSub(feeGrowth0, upper.FeeGrowthOutside0X128)
		above1 = satSub(feeGrowth1, upper.FeeGrowthOutside1X128)
	}

	inside0 = satSub(satSub(feeGrowth0, below0), above0)
	inside1 = satSub(satSub(feeGrowth1, below1), above1)
	return inside0, inside1
}

// LiquidityAtTicks recomputes active liquidity by summing all tick
// deltas at or below the given tick. Diagnostic counterpart of the
// incrementally maintained value.
func (m *Manager) LiquidityAtTicks(key PoolKey, tick int24) *big.Int {
	sum := new(big.Int)
	byTick, ok := m.ticks[key.ID()]
	if !ok {
		return sum
	}
	for t, info := range byTick {
		if t <= tick {
			sum.Add(sum, info.LiquidityNet)
		}
	}
	return sum
}
