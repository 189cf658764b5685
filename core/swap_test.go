// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/amm/sqrtprice"
)

var (
	lpAddr     = common.HexToAddress("0x1000000000000000000000000000000000000011")
	traderAddr = common.HexToAddress("0x1000000000000000000000000000000000000012")
)

func stdPoolKey(fee uint24, spacing int24) PoolKey {
	return PoolKey{Currency0: tokenX, Currency1: tokenY, Fee: fee, TickSpacing: spacing}
}

// setupPool initializes a pool at price 1.0 (tick 0) and funds the LP
// and trader accounts generously in both tokens.
func setupPool(t *testing.T, m *Manager, fee uint24, spacing int24) PoolKey {
	t.Helper()
	key := stdPoolKey(fee, spacing)
	_, err := m.Initialize(key, new(big.Int).Set(sqrtprice.Q96))
	require.NoError(t, err)
	for _, addr := range []common.Address{lpAddr, traderAddr} {
		for _, c := range []Currency{key.Currency0, key.Currency1} {
			require.NoError(t, m.Fund(addr, c, new(big.Int).Lsh(bigOne, 100)))
		}
	}
	return key
}

// settleDelta pays positive legs from the owner's funds and withdraws
// negative legs back to the owner, closing out the lock's debt.
func settleDelta(m *Manager, owner common.Address, key PoolKey, delta BalanceDelta) error {
	for _, leg := range []struct {
		c      Currency
		amount *big.Int
	}{
		{key.Currency0, delta.Amount0},
		{key.Currency1, delta.Amount1},
	} {
		switch leg.amount.Sign() {
		case 1:
			if err := m.PayFrom(owner, leg.c, leg.amount); err != nil {
				return err
			}
		case -1:
			if err := m.Withdraw(leg.c, owner, new(big.Int).Neg(leg.amount)); err != nil {
				return err
			}
		}
	}
	return nil
}

func addLiquidity(t *testing.T, m *Manager, key PoolKey, lower, upper int24, liquidity *big.Int) {
	t.Helper()
	require.NoError(t, m.Lock(lpAddr, nil, func(int) error {
		delta, err := m.UpdatePosition(key, ModifyLiquidityParams{
			TickLower:      lower,
			TickUpper:      upper,
			LiquidityDelta: liquidity,
		})
		if err != nil {
			return err
		}
		return settleDelta(m, lpAddr, key, delta)
	}))
}

func swapOnce(t *testing.T, m *Manager, key PoolKey, params SwapParams) BalanceDelta {
	t.Helper()
	var delta BalanceDelta
	require.NoError(t, m.Lock(traderAddr, nil, func(int) error {
		var err error
		delta, err = m.Swap(key, params)
		if err != nil {
			return err
		}
		return settleDelta(m, traderAddr, key, delta)
	}))
	return delta
}

func TestSwapExactInAgainstThinLiquidity(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1000))

	balance0Before := m.Balance(key.Currency0)
	balance1Before := m.Balance(key.Currency1)

	// The thin range cannot absorb the full input; the swap consumes
	// what it can, exhausts the range, and runs to the price floor.
	delta := swapOnce(t, m, key, SwapParams{AmountSpecified: big.NewInt(10)})

	require.Positive(t, delta.Amount0.Sign())
	require.LessOrEqual(t, delta.Amount0.Cmp(big.NewInt(10)), 0)
	require.Negative(t, delta.Amount1.Sign())

	pool, err := m.GetPool(key)
	require.NoError(t, err)
	require.Negative(t, pool.Tick)
	require.Zero(t, pool.Liquidity.Sign())
	require.Zero(t, m.LiquidityAtTicks(key, pool.Tick).Cmp(pool.Liquidity))

	// Ledger reserves move by exactly the settled delta.
	gained0 := new(big.Int).Sub(m.Balance(key.Currency0), balance0Before)
	require.Zero(t, gained0.Cmp(delta.Amount0))
	paid1 := new(big.Int).Sub(balance1Before, m.Balance(key.Currency1))
	require.Zero(t, paid1.Cmp(new(big.Int).Neg(delta.Amount1)))
}

func TestSwapExactInDeepLiquidity(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	delta := swapOnce(t, m, key, SwapParams{AmountSpecified: big.NewInt(10)})

	// Deep liquidity absorbs the full input.
	require.Zero(t, delta.Amount0.Cmp(big.NewInt(10)))
	require.Negative(t, delta.Amount1.Sign())
	require.Negative(t, new(big.Int).Abs(delta.Amount1).Cmp(big.NewInt(10)))

	pool, err := m.GetPool(key)
	require.NoError(t, err)
	require.LessOrEqual(t, pool.Tick, int24(0))
	require.Greater(t, pool.Tick, int24(-100))
	require.Zero(t, pool.Liquidity.Cmp(big.NewInt(1_000_000)))
}

func TestSwapExactOutput(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	delta := swapOnce(t, m, key, SwapParams{
		AmountSpecified: big.NewInt(-5),
		Token1Specified: true,
	})

	// The requested output is delivered in full, paid for in token0
	// plus fee.
	require.Zero(t, delta.Amount1.Cmp(big.NewInt(-5)))
	require.Positive(t, delta.Amount0.Sign())
}

func TestSwapZeroLiquidityMovesPriceOnly(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)

	balance0Before := m.Balance(key.Currency0)
	delta := swapOnce(t, m, key, SwapParams{AmountSpecified: big.NewInt(10)})

	// Nothing to trade against: the price free-falls to the limit and
	// no amounts change hands.
	require.True(t, delta.IsZero())
	require.Zero(t, m.Balance(key.Currency0).Cmp(balance0Before))

	pool, err := m.GetPool(key)
	require.NoError(t, err)
	require.Equal(t, sqrtprice.MinTick, pool.Tick)
}

func TestSwapRespectsPriceLimit(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	limit, err := sqrtprice.SqrtRatioAtTick(-50)
	require.NoError(t, err)

	amount := big.NewInt(1_000_000)
	delta := swapOnce(t, m, key, SwapParams{
		AmountSpecified:   amount,
		SqrtPriceLimitX96: limit,
	})

	// The swap stops at the limit with input left over.
	require.Positive(t, delta.Amount0.Sign())
	require.Negative(t, delta.Amount0.Cmp(amount))
	require.Negative(t, delta.Amount1.Sign())

	pool, err := m.GetPool(key)
	require.NoError(t, err)
	require.Equal(t, int24(-50), pool.Tick)
}

func TestSwapInvalidPriceLimit(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	err := m.Lock(traderAddr, nil, func(int) error {
		// Limit on the wrong side of the current price.
		above, err := sqrtprice.SqrtRatioAtTick(50)
		if err != nil {
			return err
		}
		if _, err := m.Swap(key, SwapParams{
			AmountSpecified:   big.NewInt(10),
			SqrtPriceLimitX96: above,
		}); !errors.Is(err, ErrInvalidPriceLimit) {
			return errors.New("wrong-side limit accepted")
		}
		// Limit exactly on the global bound.
		if _, err := m.Swap(key, SwapParams{
			AmountSpecified:   big.NewInt(10),
			SqrtPriceLimitX96: new(big.Int).Set(sqrtprice.MinSqrtRatio),
		}); !errors.Is(err, ErrInvalidPriceLimit) {
			return errors.New("bound limit accepted")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSwapUninitializedPool(t *testing.T) {
	m := newTestManager(t)
	err := m.Lock(traderAddr, nil, func(int) error {
		_, err := m.Swap(stdPoolKey(Fee030, 10), SwapParams{AmountSpecified: big.NewInt(10)})
		return err
	})
	require.ErrorIs(t, err, ErrPoolNotInitialized)
}

func TestSwapRequiresLock(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	_, err := m.Swap(key, SwapParams{AmountSpecified: big.NewInt(10)})
	require.ErrorIs(t, err, ErrNoActiveLock)
}

func TestSwapCrossesTickBoundaries(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))
	addLiquidity(t, m, key, -300, -100, big.NewInt(500_000))

	// Large enough to drain the active range and continue into the
	// range below it.
	delta := swapOnce(t, m, key, SwapParams{AmountSpecified: big.NewInt(6000)})
	require.Zero(t, delta.Amount0.Cmp(big.NewInt(6000)))
	require.Negative(t, delta.Amount1.Sign())

	pool, err := m.GetPool(key)
	require.NoError(t, err)
	require.Less(t, pool.Tick, int24(-100))
	require.Greater(t, pool.Tick, int24(-300))

	// Crossing replaced the upper range's liquidity with the lower
	// range's, and the incremental value matches the tick ledger.
	require.Zero(t, pool.Liquidity.Cmp(big.NewInt(500_000)))
	require.Zero(t, m.LiquidityAtTicks(key, pool.Tick).Cmp(pool.Liquidity))
}

func TestSwapPrecisionLossChargedAsFee(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	// Liquidity so deep that a 10-token step moves the price by less
	// than one representable increment.
	addLiquidity(t, m, key, -100, 100, new(big.Int).Lsh(bigOne, 90))

	before, err := m.GetPool(key)
	require.NoError(t, err)

	delta := swapOnce(t, m, key, SwapParams{AmountSpecified: big.NewInt(10)})

	// The full input is taken as fee; no output moves.
	require.Zero(t, delta.Amount0.Cmp(big.NewInt(10)))
	require.Zero(t, delta.Amount1.Sign())

	after, err := m.GetPool(key)
	require.NoError(t, err)
	require.Equal(t, before.SqrtPrice, after.SqrtPrice)
	require.Positive(t, after.FeeGrowth0X128.Sign())
}

func TestSwapUnwoundOnLockFailure(t *testing.T) {
	m := newTestManager(t)
	key := setupPool(t, m, Fee030, 10)
	addLiquidity(t, m, key, -100, 100, big.NewInt(1_000_000))

	before, err := m.GetPool(key)
	require.NoError(t, err)
	balance0Before := m.Balance(key.Currency0)

	boom := errors.New("abort")
	err = m.Lock(traderAddr, nil, func(int) error {
		if _, err := m.Swap(key, SwapParams{AmountSpecified: big.NewInt(100)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := m.GetPool(key)
	require.NoError(t, err)
	require.Equal(t, before.SqrtPrice, after.SqrtPrice)
	require.Equal(t, before.Tick, after.Tick)
	require.Zero(t, before.Liquidity.Cmp(after.Liquidity))
	require.Zero(t, before.FeeGrowth0X128.Cmp(after.FeeGrowth0X128))
	require.Zero(t, m.Balance(key.Currency0).Cmp(balance0Before))
}
