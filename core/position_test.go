// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"
)

// collectOnce collects a position's fees inside its own lock and
// withdraws them to the owner.
func collectOnce(t *testing.T, m *Manager, owner common.Address, key PoolKey, lower, upper int24) (*big.Int, *big.Int) {
	t.Helper()
	var a0, a1 *big.Int
	require.NoError(t, m.Lock(owner, nil, func(int) error {
		var err error
		a0, a1, err = m.CollectFees(key, lower, upper, [32]byte{})
		if err != nil {
			return err
		}
		return settleDelta(m, owner, key, BalanceDelta{
			Amount0: new(big.Int).Neg(a0),
			Amount1: new(big.Int).Neg(a1),
		})
	}))
	return a0, a1
}

func TestFreshPositionCollectsNothing(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	a0, a1 := collectOnce(t, m, lpAddr, key, -100, 100)
	require.Zero(t, a0.Sign())
	require.Zero(t, a1.Sign())
}

func TestFeesCollectedOnce(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	// 0.3% of 1000 in: roughly 3 units of token0 fee.
	swapOnce(t, m, key, SwapParams{AmountSpecified: big.NewInt(1000)})

	a0, a1 := collectOnce(t, m, lpAddr, key, -100, 100)
	require.Positive(t, a0.Sign())
	require.LessOrEqual(t, a0.Cmp(big.NewInt(4)), 0)
	require.Zero(t, a1.Sign())

	// The snapshot advanced: a second collect yields nothing.
	a0, a1 = collectOnce(t, m, lpAddr, key, -100, 100)
	require.Zero(t, a0.Sign())
	require.Zero(t, a1.Sign())
}

func TestInactiveRangeEarnsNoFees(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	// Accrue global fee growth before the inactive ranges exist.
	swapOnce(t, m, key, SwapParams{AmountSpecified: big.NewInt(1000)})

	// One range above the price, one below. Neither was live while
	// the fees accrued, so neither may claim any of them.
	addLiquidity(t, m, key, 100, 200, big.NewInt(50_000))
	addLiquidity(t, m, key, -300, -200, big.NewInt(50_000))

	a0, a1 := collectOnce(t, m, lpAddr, key, 100, 200)
	require.Zero(t, a0.Sign())
	require.Zero(t, a1.Sign())

	a0, a1 = collectOnce(t, m, lpAddr, key, -300, -200)
	require.Zero(t, a0.Sign())
	require.Zero(t, a1.Sign())
}

func TestRemoveLiquidityReturnsPrincipal(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	poolID := key.ID()

	var added, removed BalanceDelta
	require.NoError(t, m.Lock(lpAddr, nil, func(int) error {
		var err error
		added, err = m.UpdatePosition(key, ModifyLiquidityParams{
			TickLower:      -100,
			TickUpper:      100,
			LiquidityDelta: big.NewInt(1_000_000),
		})
		if err != nil {
			return err
		}
		return settleDelta(m, lpAddr, key, added)
	}))
	require.Positive(t, added.Amount0.Sign())
	require.Positive(t, added.Amount1.Sign())

	require.NoError(t, m.Lock(lpAddr, nil, func(int) error {
		var err error
		removed, err = m.UpdatePosition(key, ModifyLiquidityParams{
			TickLower:      -100,
			TickUpper:      100,
			LiquidityDelta: big.NewInt(-1_000_000),
		})
		if err != nil {
			return err
		}
		return settleDelta(m, lpAddr, key, removed)
	}))

	// Rounding favors the pool: what comes back never exceeds what
	// went in.
	back0 := new(big.Int).Neg(removed.Amount0)
	back1 := new(big.Int).Neg(removed.Amount1)
	require.Positive(t, back0.Sign())
	require.Positive(t, back1.Sign())
	require.LessOrEqual(t, back0.Cmp(added.Amount0), 0)
	require.LessOrEqual(t, back1.Cmp(added.Amount1), 0)

	pool, err := m.GetPool(key)
	require.NoError(t, err)
	require.Zero(t, pool.Liquidity.Sign())
	require.False(t, m.hasTick(poolID, -100))
	require.False(t, m.hasTick(poolID, 100))

	// Nothing left to remove.
	err = m.Lock(lpAddr, nil, func(int) error {
		_, err := m.UpdatePosition(key, ModifyLiquidityParams{
			TickLower:      -100,
			TickUpper:      100,
			LiquidityDelta: big.NewInt(-1),
		})
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestUpdatePositionValidation(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)

	err := m.Lock(lpAddr, nil, func(int) error {
		cases := []struct {
			lower, upper int24
			want         error
		}{
			{100, -100, ErrInvalidTickRange},
			{-105, 100, ErrInvalidTickRange},
			{-887280, 100, ErrInvalidTickRange},
			{-100, 887280, ErrInvalidTickRange},
		}
		for _, tc := range cases {
			_, err := m.UpdatePosition(key, ModifyLiquidityParams{
				TickLower:      tc.lower,
				TickUpper:      tc.upper,
				LiquidityDelta: big.NewInt(1000),
			})
			if !errors.Is(err, tc.want) {
				return errors.New("bad range accepted")
			}
		}

		// Zero delta on a position that was never created.
		if _, err := m.UpdatePosition(key, ModifyLiquidityParams{
			TickLower:      -100,
			TickUpper:      100,
			LiquidityDelta: big.NewInt(0),
		}); !errors.Is(err, ErrPositionNotFound) {
			return errors.New("missing position accepted")
		}
		return nil
	})
	require.NoError(t, err)

	err = m.Lock(lpAddr, nil, func(int) error {
		_, err := m.UpdatePosition(stdPoolKey(Fee005, 10), ModifyLiquidityParams{
			TickLower:      -100,
			TickUpper:      100,
			LiquidityDelta: big.NewInt(1000),
		})
		return err
	})
	require.ErrorIs(t, err, ErrPoolNotInitialized)
}

func TestLiquidityCapEnforced(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)

	over := new(big.Int).Add(maxLiquidityPerTick(10), bigOne)
	err := m.Lock(lpAddr, nil, func(int) error {
		_, err := m.UpdatePosition(key, ModifyLiquidityParams{
			TickLower:      -100,
			TickUpper:      100,
			LiquidityDelta: over,
		})
		return err
	})
	require.ErrorIs(t, err, ErrLiquidityCapExceeded)
}

func TestCollectFeesMissingPosition(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	err := m.Lock(lpAddr, nil, func(int) error {
		var salt [32]byte
		salt[0] = 1
		_, _, err := m.CollectFees(key, -100, 100, salt)
		return err
	})
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestPositionFeesAfterRangeExit(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	// Drain the range entirely; the price ends below the position.
	swapOnce(t, m, key, SwapParams{AmountSpecified: big.NewInt(6000)})

	pool, err := m.GetPool(key)
	require.NoError(t, err)
	require.Less(t, pool.Tick, int24(-100))

	// Fees earned while the range was live remain claimable after the
	// price has left it, and only once.
	a0, a1 := collectOnce(t, m, lpAddr, key, -100, 100)
	require.Positive(t, a0.Sign())
	require.Zero(t, a1.Sign())

	a0, a1 = collectOnce(t, m, lpAddr, key, -100, 100)
	require.Zero(t, a0.Sign())
	require.Zero(t, a1.Sign())
}
