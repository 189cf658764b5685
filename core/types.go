// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package core implements the settlement and pricing kernel of the
// singleton AMM: a flash-accounting ledger that forces every lock to
// settle to zero debt, and a concentrated-liquidity swap engine with
// per-range fee accrual across price ticks.
package core

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"

	"github.com/luxfi/amm/sqrtprice"
)

// uint24 type alias for fees
type uint24 = uint32

// int24 type alias for ticks
type int24 = int32

// Pool fee tiers (parts per million)
const (
	Fee001 uint24 = 100    // 0.01% - stablecoins
	Fee005 uint24 = 500    // 0.05% - stable pairs
	Fee030 uint24 = 3000   // 0.30% - standard
	Fee100 uint24 = 10000  // 1.00% - exotic pairs
	FeeMax uint24 = 100000 // 10% max fee
)

// Tick spacing for different fee tiers
const (
	TickSpacing001 int24 = 1
	TickSpacing005 int24 = 10
	TickSpacing030 int24 = 60
	TickSpacing100 int24 = 200

	MaxTickSpacing int24 = 32767
)

// DefaultSearchBudget bounds how many extra bitmap words a single
// boundary search may scan when the caller does not supply a budget.
const DefaultSearchBudget = 256

// Currency represents a token (native or ERC20).
// Address(0) represents the native asset.
type Currency struct {
	Address common.Address
}

// NativeCurrency is the native asset (no wrapping needed).
var NativeCurrency = Currency{Address: common.Address{}}

// IsNative returns true if this currency is the native asset.
func (c Currency) IsNative() bool {
	return c.Address == common.Address{}
}

// ToBytes serializes currency for storage.
func (c Currency) ToBytes() []byte {
	return c.Address.Bytes()
}

// CurrencyFromBytes deserializes currency from storage.
func CurrencyFromBytes(data []byte) Currency {
	return Currency{Address: common.BytesToAddress(data)}
}

// PoolKey uniquely identifies a pool.
// Sorted by currency address (currency0 < currency1).
type PoolKey struct {
	Currency0   Currency       // Lower address token
	Currency1   Currency       // Higher address token
	Fee         uint24         // Fee in parts per million
	TickSpacing int24          // Tick spacing for concentrated liquidity
	Extension   common.Address // Extension address (zero = no extension)
}

// ID computes the unique pool identifier.
func (pk PoolKey) ID() [32]byte {
	h := blake3.New()
	h.Write(pk.Currency0.ToBytes())
	h.Write(pk.Currency1.ToBytes())

	var feeBytes [4]byte
	binary.BigEndian.PutUint32(feeBytes[:], uint32(pk.Fee))
	h.Write(feeBytes[:3]) // uint24

	var tickBytes [4]byte
	binary.BigEndian.PutUint32(tickBytes[:], uint32(pk.TickSpacing))
	h.Write(tickBytes[1:]) // int24

	h.Write(pk.Extension.Bytes())

	var id [32]byte
	h.Digest().Read(id[:])
	return id
}

// ToBytes serializes pool key for storage.
func (pk PoolKey) ToBytes() []byte {
	data := make([]byte, 66)
	copy(data[0:20], pk.Currency0.ToBytes())
	copy(data[20:40], pk.Currency1.ToBytes())
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], uint32(pk.Fee))
	copy(data[40:43], word[1:])
	binary.BigEndian.PutUint32(word[:], uint32(pk.TickSpacing))
	copy(data[43:46], word[1:])
	copy(data[46:66], pk.Extension.Bytes())
	return data
}

// PoolKeyFromBytes deserializes pool key from storage.
func PoolKeyFromBytes(data []byte) (PoolKey, error) {
	if len(data) < 66 {
		return PoolKey{}, errors.New("invalid pool key data length")
	}
	pk := PoolKey{}
	pk.Currency0 = CurrencyFromBytes(data[0:20])
	pk.Currency1 = CurrencyFromBytes(data[20:40])

	var word [4]byte
	copy(word[1:], data[40:43])
	pk.Fee = uint24(binary.BigEndian.Uint32(word[:]))

	copy(word[1:], data[43:46])
	raw := binary.BigEndian.Uint32(word[:])
	if raw&0x800000 != 0 {
		raw |= 0xff000000 // sign-extend int24
	}
	pk.TickSpacing = int24(raw)

	pk.Extension = common.BytesToAddress(data[46:66])
	return pk, nil
}

// BalanceDelta represents the net token changes of an operation.
// Positive = owed to the pool, negative = owed to the caller.
type BalanceDelta struct {
	Amount0 *big.Int // Currency0 delta (positive = caller owes pool)
	Amount1 *big.Int // Currency1 delta (positive = caller owes pool)
}

// NewBalanceDelta creates a new balance delta.
func NewBalanceDelta(amount0, amount1 *big.Int) BalanceDelta {
	return BalanceDelta{
		Amount0: new(big.Int).Set(amount0),
		Amount1: new(big.Int).Set(amount1),
	}
}

// ZeroBalanceDelta returns a zero balance delta.
func ZeroBalanceDelta() BalanceDelta {
	return BalanceDelta{
		Amount0: big.NewInt(0),
		Amount1: big.NewInt(0),
	}
}

// Add combines two balance deltas.
func (bd BalanceDelta) Add(other BalanceDelta) BalanceDelta {
	return BalanceDelta{
		Amount0: new(big.Int).Add(bd.Amount0, other.Amount0),
		Amount1: new(big.Int).Add(bd.Amount1, other.Amount1),
	}
}

// Negate inverts the balance delta signs.
func (bd BalanceDelta) Negate() BalanceDelta {
	return BalanceDelta{
		Amount0: new(big.Int).Neg(bd.Amount0),
		Amount1: new(big.Int).Neg(bd.Amount1),
	}
}

// IsZero returns true if both amounts are zero.
func (bd BalanceDelta) IsZero() bool {
	return bd.Amount0.Sign() == 0 && bd.Amount1.Sign() == 0
}

// Pool represents the state of a liquidity pool. The sqrt price is
// stored in its lossy compressed form; the exact value only lives for
// the duration of a swap.
type Pool struct {
	SqrtPrice      sqrtprice.Compact // Compressed sqrt(price) * 2^96
	Tick           int24             // Current tick
	Liquidity      *big.Int          // Active liquidity (L)
	FeeGrowth0X128 *big.Int          // Fee growth for currency0 (Q128.128)
	FeeGrowth1X128 *big.Int          // Fee growth for currency1 (Q128.128)
}

// IsInitialized returns true if the pool has been initialized.
func (p *Pool) IsInitialized() bool {
	return p != nil && p.SqrtPrice != 0
}

// NewPool creates a new uninitialized pool.
func NewPool() *Pool {
	return &Pool{
		Liquidity:      big.NewInt(0),
		FeeGrowth0X128: big.NewInt(0),
		FeeGrowth1X128: big.NewInt(0),
	}
}

func (p *Pool) clone() *Pool {
	return &Pool{
		SqrtPrice:      p.SqrtPrice,
		Tick:           p.Tick,
		Liquidity:      new(big.Int).Set(p.Liquidity),
		FeeGrowth0X128: new(big.Int).Set(p.FeeGrowth0X128),
		FeeGrowth1X128: new(big.Int).Set(p.FeeGrowth1X128),
	}
}

// TickInfo is the per-tick record of a pool. Created implicitly when a
// position first references the tick; deleted again when its gross
// liquidity returns to zero.
type TickInfo struct {
	LiquidityGross        *big.Int // Total liquidity referencing this tick
	LiquidityNet          *big.Int // Net liquidity applied on upward crossing
	FeeGrowthOutside0X128 *big.Int
	FeeGrowthOutside1X128 *big.Int
}

func newTickInfo() *TickInfo {
	return &TickInfo{
		LiquidityGross:        big.NewInt(0),
		LiquidityNet:          big.NewInt(0),
		FeeGrowthOutside0X128: big.NewInt(0),
		FeeGrowthOutside1X128: big.NewInt(0),
	}
}

func (t *TickInfo) clone() *TickInfo {
	return &TickInfo{
		LiquidityGross:        new(big.Int).Set(t.LiquidityGross),
		LiquidityNet:          new(big.Int).Set(t.LiquidityNet),
		FeeGrowthOutside0X128: new(big.Int).Set(t.FeeGrowthOutside0X128),
		FeeGrowthOutside1X128: new(big.Int).Set(t.FeeGrowthOutside1X128),
	}
}

// Position represents a liquidity position.
type Position struct {
	Owner                    common.Address
	TickLower                int24
	TickUpper                int24
	Liquidity                *big.Int
	FeeGrowthInside0LastX128 *big.Int
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
}

func newPosition(owner common.Address, tickLower, tickUpper int24) *Position {
	return &Position{
		Owner:                    owner,
		TickLower:                tickLower,
		TickUpper:                tickUpper,
		Liquidity:                big.NewInt(0),
		FeeGrowthInside0LastX128: big.NewInt(0),
		FeeGrowthInside1LastX128: big.NewInt(0),
		TokensOwed0:              big.NewInt(0),
		TokensOwed1:              big.NewInt(0),
	}
}

func (p *Position) clone() *Position {
	return &Position{
		Owner:                    p.Owner,
		TickLower:                p.TickLower,
		TickUpper:                p.TickUpper,
		Liquidity:                new(big.Int).Set(p.Liquidity),
		FeeGrowthInside0LastX128: new(big.Int).Set(p.FeeGrowthInside0LastX128),
		FeeGrowthInside1LastX128: new(big.Int).Set(p.FeeGrowthInside1LastX128),
		TokensOwed0:              new(big.Int).Set(p.TokensOwed0),
		TokensOwed1:              new(big.Int).Set(p.TokensOwed1),
	}
}

// PositionKey computes the unique position identifier within a pool.
func PositionKey(poolID [32]byte, owner common.Address, tickLower, tickUpper int24, salt [32]byte) [32]byte {
	h := blake3.New()
	h.Write(poolID[:])
	h.Write(owner.Bytes())

	var tickBytes [8]byte
	binary.BigEndian.PutUint32(tickBytes[:4], uint32(tickLower))
	binary.BigEndian.PutUint32(tickBytes[4:], uint32(tickUpper))
	h.Write(tickBytes[:])
	h.Write(salt[:])

	var key [32]byte
	h.Digest().Read(key[:])
	return key
}

// SwapParams contains parameters for a swap. AmountSpecified is the
// signed specified amount: positive requests exact input, negative
// exact output. Token1Specified selects which token the amount refers
// to; the price direction follows from the two together.
type SwapParams struct {
	AmountSpecified   *big.Int
	Token1Specified   bool
	SqrtPriceLimitX96 *big.Int // nil = no limit
	SearchBudget      int      // 0 = DefaultSearchBudget
}

// ModifyLiquidityParams contains parameters for adding/removing liquidity.
type ModifyLiquidityParams struct {
	TickLower      int24
	TickUpper      int24
	LiquidityDelta *big.Int // Positive = add, Negative = remove
	Salt           [32]byte // Position salt for uniqueness
}

// Errors
var (
	ErrPoolNotInitialized     = errors.New("pool not initialized")
	ErrPoolAlreadyInitialized = errors.New("pool already initialized")
	ErrInvalidTickRange       = errors.New("invalid tick range")
	ErrInvalidTickSpacing     = errors.New("invalid tick spacing")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrLiquidityCapExceeded   = errors.New("per-tick liquidity cap exceeded")
	ErrInvalidFee             = errors.New("invalid fee")
	ErrCurrencyNotSorted      = errors.New("currencies not sorted")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidSqrtPrice       = errors.New("invalid sqrt price")
	ErrInvalidPriceLimit      = errors.New("invalid price limit")
	ErrNoActiveLock           = errors.New("no active lock")
	ErrDebtNotSettled         = errors.New("debt not settled at lock close")
	ErrAmountOutOfBounds      = errors.New("amount outside assumed numeric width")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrPaymentPending         = errors.New("payment already pending for currency")
	ErrNoPayment              = errors.New("no pending payment for currency")
	ErrPositionNotFound       = errors.New("position not found")
	ErrExtensionNotRegistered = errors.New("extension not registered")
	ErrExtensionExists        = errors.New("extension already registered")
)

var (
	bigOne = big.NewInt(1)

	// maxUint128 bounds every token amount entering the ledger.
	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 128), bigOne)
	// maxInt127 bounds the magnitude of every signed debt delta.
	maxInt127 = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 127), bigOne)

	q128 = new(big.Int).Lsh(bigOne, 128)
)

// checkAmountU128 validates an unsigned token amount before it enters
// the ledger. Accepting wider values and truncating would corrupt the
// companion leg of a two-token settlement, so this fails fast instead.
func checkAmountU128(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 || amount.Cmp(maxUint128) > 0 {
		return ErrAmountOutOfBounds
	}
	return nil
}

// checkDeltaI128 validates a signed debt delta. Clamping here would
// fabricate or destroy value, so out-of-range inputs are rejected.
func checkDeltaI128(delta *big.Int) error {
	if delta == nil || new(big.Int).Abs(delta).Cmp(maxInt127) > 0 {
		return ErrAmountOutOfBounds
	}
	return nil
}

// satSub returns a-b floored at zero. Fee accumulator arithmetic must
// never underflow into a near-maximum value.
func satSub(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(a, b)
}

// maxLiquidityPerTick returns the cap on gross liquidity referencing a
// single tick, derived so the sum over all usable ticks fits 128 bits.
func maxLiquidityPerTick(tickSpacing int24) *big.Int {
	minAligned := (sqrtprice.MinTick / tickSpacing) * tickSpacing
	maxAligned := (sqrtprice.MaxTick / tickSpacing) * tickSpacing
	numTicks := int64((maxAligned-minAligned)/tickSpacing) + 1
	return new(big.Int).Div(maxUint128, big.NewInt(numTicks))
}
