// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sqrtprice

import (
	"errors"
	"math/big"
)

// Compact is the lossy container for a Q64.96 sqrt ratio: a 2-bit region
// tag and a 62-bit mantissa. The four regions cover the full ratio range
// (33 to 161 significant bits) by shifting the value right by 0, 33, 66
// or 99 bits. Precision is therefore one unit in the last place of the
// selected region.
type Compact uint64

const (
	mantissaBits  = 62
	regionShift   = 33
	mantissaMask  = (uint64(1) << mantissaBits) - 1
	regionTagMask = uint64(3) << mantissaBits
)

var ErrNotCompressible = errors.New("sqrt ratio outside compressible range")

// Region returns the precision region tag (0..3).
func (c Compact) Region() uint { return uint(uint64(c) >> mantissaBits) }

// mantissa returns the stored 62-bit mantissa.
func (c Compact) mantissa() uint64 { return uint64(c) & mantissaMask }

// Compress converts a full-precision sqrt ratio into the compact
// container. The smallest region that fits the value is selected, and
// truncated low bits are rounded in the requested direction: roundUp
// yields the smallest representable value >= p, otherwise the largest
// representable value <= p. A round-up carry that overflows the mantissa
// promotes the value to the next region; this is exact.
func Compress(p *big.Int, roundUp bool) (Compact, error) {
	if p == nil || p.Cmp(MinSqrtRatio) < 0 || p.Cmp(MaxSqrtRatio) > 0 {
		return 0, ErrNotCompressible
	}

	region := 0
	for p.BitLen() > mantissaBits+region*regionShift {
		region++
	}
	shift := uint(region * regionShift)

	m := new(big.Int).Rsh(p, shift)
	if roundUp {
		trimmed := new(big.Int).Lsh(m, shift)
		if trimmed.Cmp(p) != 0 {
			m.Add(m, big.NewInt(1))
		}
		if m.BitLen() > mantissaBits {
			// 2^62 << shift == 2^29 << (shift+33); representation moves
			// up one region without losing a bit.
			m.Rsh(m, regionShift)
			region++
		}
	}

	return Compact(uint64(region)<<mantissaBits | m.Uint64()), nil
}

// Decompress expands the container back to a full-precision sqrt ratio.
// The expansion is exact: all information lost by Compress stays lost,
// so Compress(Decompress(c)) == c for any c produced by Compress.
func Decompress(c Compact) *big.Int {
	p := new(big.Int).SetUint64(c.mantissa())
	return p.Lsh(p, uint(c.Region())*regionShift)
}
