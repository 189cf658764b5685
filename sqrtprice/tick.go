// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sqrtprice implements the fixed-point square-root price
// representation used by the pool core: exact Q64.96 sqrt ratios on the
// geometric tick grid, and a lossy compact container with explicit
// rounding for persisted pool state.
package sqrtprice

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// Tick bounds of the price grid. A tick t corresponds to the sqrt ratio
// sqrt(1.0001^t) * 2^96, so the full grid spans price ratios of roughly
// 2^-128 to 2^128.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	// MinSqrtRatio is the sqrt ratio at MinTick.
	MinSqrtRatio = big.NewInt(4295128739)
	// MaxSqrtRatio is the sqrt ratio at MaxTick.
	MaxSqrtRatio, _ = new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)

	// Q96 is one in Q64.96 fixed point.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	ErrTickOutOfBounds  = errors.New("tick out of bounds")
	ErrRatioOutOfBounds = errors.New("sqrt ratio out of bounds")
)

var maxUint256 = new(uint256.Int).Not(uint256.NewInt(0))

// sqrtRatioMagic[0] is sqrt(1/1.0001) in Q128.128; sqrtRatioMagic[i] for
// i >= 2 is sqrt(1/1.0001^(2^(i-1))). Index 1 is one in Q128.128.
var sqrtRatioMagic = [21]*uint256.Int{
	uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001"),
	uint256.MustFromHex("0x100000000000000000000000000000000"),
	uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
	uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
	uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
	uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
	uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
	uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
	uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
	uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
	uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
	uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
	uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
	uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
	uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
	uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
	uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
	uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
	uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
	uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
	uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) * 2^96 as an exact Q64.96
// value. The result is monotonically increasing in tick and spans
// [MinSqrtRatio, MaxSqrtRatio].
func SqrtRatioAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickOutOfBounds
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(uint256.Int)
	if absTick&1 != 0 {
		ratio.Set(sqrtRatioMagic[0])
	} else {
		ratio.Set(sqrtRatioMagic[1])
	}
	for i := 2; i < len(sqrtRatioMagic); i++ {
		if absTick&(1<<(i-1)) != 0 {
			ratio.Mul(ratio, sqrtRatioMagic[i])
			ratio.Rsh(ratio, 128)
		}
	}

	// The magic constants encode negative exponents; positive ticks take
	// the reciprocal.
	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128.128 -> Q64.96, rounding up so the result round-trips through
	// TickAtSqrtRatio.
	rem := new(uint256.Int).And(ratio, uint256.NewInt(0xffffffff))
	ratio.Rsh(ratio, 32)
	if !rem.IsZero() {
		ratio.AddUint64(ratio, 1)
	}

	return ratio.ToBig(), nil
}

// TickAtSqrtRatio returns the greatest tick whose sqrt ratio is at most
// sqrtRatioX96. Input outside [MinSqrtRatio, MaxSqrtRatio] is rejected.
func TickAtSqrtRatio(sqrtRatioX96 *big.Int) (int32, error) {
	if sqrtRatioX96 == nil || sqrtRatioX96.Cmp(MinSqrtRatio) < 0 || sqrtRatioX96.Cmp(MaxSqrtRatio) > 0 {
		return 0, ErrRatioOutOfBounds
	}

	low, high := MinTick, MaxTick
	tick := MinTick
	for low <= high {
		mid := low + (high-low)/2
		ratio, err := SqrtRatioAtTick(mid)
		if err != nil {
			return 0, err
		}
		if ratio.Cmp(sqrtRatioX96) <= 0 {
			tick = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return tick, nil
}
