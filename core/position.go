// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/amm/sqrtprice"
	"github.com/luxfi/amm/swapmath"
)

// UpdatePosition applies a signed liquidity delta to the active lock
// owner's position over [TickLower, TickUpper) and returns the
// principal amounts, charged to the lock's debt. Fees accrued since
// the last snapshot are folded into the position's TokensOwed and the
// snapshot is advanced before the liquidity change takes effect, which
// is what prevents claiming the same fee twice.
func (m *Manager) UpdatePosition(key PoolKey, params ModifyLiquidityParams) (BalanceDelta, error) {
	lc, err := m.activeLock()
	if err != nil {
		return ZeroBalanceDelta(), err
	}
	if params.TickLower >= params.TickUpper {
		return ZeroBalanceDelta(), ErrInvalidTickRange
	}
	if params.TickLower < sqrtprice.MinTick || params.TickUpper > sqrtprice.MaxTick {
		return ZeroBalanceDelta(), ErrInvalidTickRange
	}
	if params.TickLower%key.TickSpacing != 0 || params.TickUpper%key.TickSpacing != 0 {
		return ZeroBalanceDelta(), ErrInvalidTickRange
	}
	if err := checkDeltaI128(params.LiquidityDelta); err != nil {
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

	if ext != nil {
		if err := m.callHook(key.Extension, func() error {
			return ext.BeforeUpdatePosition(m, key, params)
		}); err != nil {
			return ZeroBalanceDelta(), err
		}
	}

	// Re-read after the hook: a re-entrant swap or donation may have
	// moved the tick or the fee accumulators.
	pool := m.getPool(poolID)
	if !pool.IsInitialized() {
		return ZeroBalanceDelta(), ErrPoolNotInitialized
	}

	delta := params.LiquidityDelta
	maxLiquidity := m.cfg.MaxLiquidityPerTick
	if maxLiquidity == nil {
		maxLiquidity = maxLiquidityPerTick(key.TickSpacing)
	}

	flippedLower, err := m.updateTick(poolID, params.TickLower, pool.Tick, delta, false,
		pool.FeeGrowth0X128, pool.FeeGrowth1X128, maxLiquidity)
	if err != nil {
		return ZeroBalanceDelta(), err
	}
	flippedUpper, err := m.updateTick(poolID, params.TickUpper, pool.Tick, delta, true,
		pool.FeeGrowth0X128, pool.FeeGrowth1X128, maxLiquidity)
	if err != nil {
		return ZeroBalanceDelta(), err
	}
	if flippedLower {
		if err := m.flipTick(poolID, params.TickLower, key.TickSpacing); err != nil {
			return ZeroBalanceDelta(), err
		}
	}
	if flippedUpper {
		if err := m.flipTick(poolID, params.TickUpper, key.TickSpacing); err != nil {
			return ZeroBalanceDelta(), err
		}
	}

	posKey := PositionKey(poolID, lc.owner, params.TickLower, params.TickUpper, params.Salt)
	pos, ok := m.getPosition(poolID, posKey)
	if !ok {
		if delta.Sign() <= 0 {
			return ZeroBalanceDelta(), ErrPositionNotFound
		}
		pos = newPosition(lc.owner, params.TickLower, params.TickUpper)
	}

	inside0, inside1 := m.feeGrowthInside(poolID, params.TickLower, params.TickUpper,
		pool.Tick, pool.FeeGrowth0X128, pool.FeeGrowth1X128)
	m.settlePositionFees(pos, inside0, inside1)

	newLiquidity := new(big.Int).Add(pos.Liquidity, delta)
	if newLiquidity.Sign() < 0 {
		return ZeroBalanceDelta(), ErrInsufficientLiquidity
	}
	pos.Liquidity = newLiquidity
	m.setPosition(poolID, posKey, pos)

	principal, err := principalAmounts(pool, params)
	if err != nil {
		return ZeroBalanceDelta(), err
	}

	if params.TickLower <= pool.Tick && pool.Tick < params.TickUpper {
		next := pool.clone()
		next.Liquidity.Add(next.Liquidity, delta)
		if next.Liquidity.Sign() < 0 {
			return ZeroBalanceDelta(), ErrInsufficientLiquidity
		}
		m.setPool(poolID, next)
	}

	if err := m.accountDebt(lc.id, key.Currency0, principal.Amount0); err != nil {
		return ZeroBalanceDelta(), err
	}
	if err := m.accountDebt(lc.id, key.Currency1, principal.Amount1); err != nil {
		return ZeroBalanceDelta(), err
	}

	if ext != nil {
		if err := m.callHook(key.Extension, func() error {
			return ext.AfterUpdatePosition(m, key, params, principal)
		}); err != nil {
			return ZeroBalanceDelta(), err
		}
	}

	m.log.Debug("position updated",
		"pool", common.Hash(poolID),
		"owner", pos.Owner,
		"tickLower", params.TickLower,
		"tickUpper", params.TickUpper,
		"liquidityDelta", delta)
	return principal, nil
}

// CollectFees zeroes out and returns the fees owed to the active lock
// owner's position. The amounts are credited against the lock's debt
// so the caller can withdraw them before the lock closes.
func (m *Manager) CollectFees(key PoolKey, tickLower, tickUpper int24, salt [32]byte) (*big.Int, *big.Int, error) {
	lc, err := m.activeLock()
	if err != nil {
		return nil, nil, err
	}
	poolID := key.ID()
	if !m.getPool(poolID).IsInitialized() {
		return nil, nil, ErrPoolNotInitialized
	}
	ext, err := m.extensionFor(key)
	if err != nil {
		return nil, nil, err
	}

	if ext != nil {
		if err := m.callHook(key.Extension, func() error {
			return ext.BeforeCollectFees(m, key, tickLower, tickUpper)
		}); err != nil {
			return nil, nil, err
		}
	}

	// Re-read after the hook so fees it donated are collectible here.
	pool := m.getPool(poolID)
	if !pool.IsInitialized() {
		return nil, nil, ErrPoolNotInitialized
	}

	posKey := PositionKey(poolID, lc.owner, tickLower, tickUpper, salt)
	pos, ok := m.getPosition(poolID, posKey)
	if !ok {
		return nil, nil, ErrPositionNotFound
	}

	inside0, inside1 := m.feeGrowthInside(poolID, tickLower, tickUpper,
		pool.Tick, pool.FeeGrowth0X128, pool.FeeGrowth1X128)
	m.settlePositionFees(pos, inside0, inside1)

	amount0 := new(big.Int).Set(pos.TokensOwed0)
	amount1 := new(big.Int).Set(pos.TokensOwed1)
	pos.TokensOwed0 = big.NewInt(0)
	pos.TokensOwed1 = big.NewInt(0)
	m.setPosition(poolID, posKey, pos)

	if err := m.accountDebt(lc.id, key.Currency0, new(big.Int).Neg(amount0)); err != nil {
		return nil, nil, err
	}
	if err := m.accountDebt(lc.id, key.Currency1, new(big.Int).Neg(amount1)); err != nil {
		return nil, nil, err
	}

	if ext != nil {
		if err := m.callHook(key.Extension, func() error {
			return ext.AfterCollectFees(m, key, tickLower, tickUpper, amount0, amount1)
		}); err != nil {
			return nil, nil, err
		}
	}

	return amount0, amount1, nil
}

// settlePositionFees folds fees accrued since the last snapshot into
// TokensOwed and advances the snapshot to the current inside value.
func (m *Manager) settlePositionFees(pos *Position, inside0, inside1 *big.Int) {
	if pos.Liquidity.Sign() > 0 {
		owed0 := satSub(inside0, pos.FeeGrowthInside0LastX128)
		owed0.Mul(owed0, pos.Liquidity)
		owed0.Rsh(owed0, 128)
		pos.TokensOwed0.Add(pos.TokensOwed0, owed0)

		owed1 := satSub(inside1, pos.FeeGrowthInside1LastX128)
		owed1.Mul(owed1, pos.Liquidity)
		owed1.Rsh(owed1, 128)
		pos.TokensOwed1.Add(pos.TokensOwed1, owed1)
	}
	pos.FeeGrowthInside0LastX128 = new(big.Int).Set(inside0)
	pos.FeeGrowthInside1LastX128 = new(big.Int).Set(inside1)
}

// principalAmounts computes the token amounts backing a liquidity
// delta over a range at the pool's current price. Adding rounds up
// (callers pay slightly more), removing rounds down (callers receive
// slightly less): rounding always favors the pool.
func principalAmounts(pool *Pool, params ModifyLiquidityParams) (BalanceDelta, error) {
	magnitude := new(big.Int).Abs(params.LiquidityDelta)
	if magnitude.Sign() == 0 {
		return ZeroBalanceDelta(), nil
	}
	adding := params.LiquidityDelta.Sign() > 0

	sqrtLower, err := sqrtprice.SqrtRatioAtTick(params.TickLower)
	if err != nil {
		return ZeroBalanceDelta(), err
	}
	sqrtUpper, err := sqrtprice.SqrtRatioAtTick(params.TickUpper)
	if err != nil {
		return ZeroBalanceDelta(), err
	}
	sqrtCurrent := sqrtprice.Decompress(pool.SqrtPrice)

	amount0 := new(big.Int)
	amount1 := new(big.Int)
	switch {
	case pool.Tick < params.TickLower:
		// Range entirely above the price: only token0 backs it.
		amount0, err = swapmath.Amount0Delta(sqrtLower, sqrtUpper, magnitude, adding)
		if err != nil {
			return ZeroBalanceDelta(), err
		}
	case pool.Tick < params.TickUpper:
		amount0, err = swapmath.Amount0Delta(sqrtCurrent, sqrtUpper, magnitude, adding)
		if err != nil {
			return ZeroBalanceDelta(), err
		}
		amount1 = swapmath.Amount1Delta(sqrtLower, sqrtCurrent, magnitude, adding)
	default:
		// Range entirely below the price: only token1 backs it.
		amount1 = swapmath.Amount1Delta(sqrtLower, sqrtUpper, magnitude, adding)
	}

	if !adding {
		amount0.Neg(amount0)
		amount1.Neg(amount1)
	}
	return BalanceDelta{Amount0: amount0, Amount1: amount1}, nil
}
