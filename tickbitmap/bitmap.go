// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tickbitmap maintains one bit per spacing-aligned tick, packed
// into 256-bit words, and answers direction-bounded nearest-set-bit
// queries for the swap engine.
package tickbitmap

import (
	"errors"
	"math/bits"

	"github.com/luxfi/amm/sqrtprice"
)

var ErrTickMisaligned = errors.New("tick not aligned to spacing")

// word is 256 tick bits as four little-endian uint64 limbs.
type word [4]uint64

func (w word) isZero() bool {
	return w[0] == 0 && w[1] == 0 && w[2] == 0 && w[3] == 0
}

// Bitmap is a sparse bitmap over the compressed (tick / spacing) grid.
// Words are allocated on first flip.
type Bitmap struct {
	words map[int32]word
}

func New() *Bitmap {
	return &Bitmap{words: make(map[int32]word)}
}

// compress converts a tick to its spacing-grid index, rounding toward
// negative infinity so downward searches start in the right word.
func compress(tick, spacing int32) int32 {
	c := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		c--
	}
	return c
}

// wordPos returns the word index holding a compressed tick.
func wordPos(compressed int32) int32 {
	return compressed >> 8
}

// bitPos returns the bit offset of a compressed tick within its word.
func bitPos(compressed int32) uint32 {
	return uint32(compressed & 0xff)
}

// Flip toggles the bit for tick. tick must be on the spacing grid.
func (b *Bitmap) Flip(tick, spacing int32) error {
	if tick%spacing != 0 {
		return ErrTickMisaligned
	}
	c := compress(tick, spacing)
	wp, bp := wordPos(c), bitPos(c)
	w := b.words[wp]
	w[bp/64] ^= 1 << (bp % 64)
	if w.isZero() {
		delete(b.words, wp)
	} else {
		b.words[wp] = w
	}
	return nil
}

// IsSet reports whether the bit for tick is set.
func (b *Bitmap) IsSet(tick, spacing int32) bool {
	if tick%spacing != 0 {
		return false
	}
	c := compress(tick, spacing)
	w := b.words[wordPos(c)]
	bp := bitPos(c)
	return w[bp/64]&(1<<(bp%64)) != 0
}

// SetRaw sets a bit directly at a compressed grid index, bypassing
// alignment and range checks. Exists so tests can plant adversarial
// bits beyond the valid tick range.
func (b *Bitmap) SetRaw(compressed int32) {
	wp, bp := wordPos(compressed), bitPos(compressed)
	w := b.words[wp]
	w[bp/64] |= 1 << (bp % 64)
	b.words[wp] = w
}

// FindNextSet locates the nearest set bit from tick in the requested
// direction: downward and inclusive of tick when lte is true, strictly
// upward otherwise. The scan covers the word containing tick plus at
// most extraWordBudget adjacent words. When the budget runs out the
// boundary tick of the last word scanned is returned with found=false,
// letting the caller advance price without crossing unknown ticks. A set
// bit that decodes to a tick outside [MinTick, MaxTick] is never
// reported found: the result is clamped to the bound instead.
func (b *Bitmap) FindNextSet(tick, spacing int32, lte bool, extraWordBudget int) (next int32, found bool) {
	c := compress(tick, spacing)
	if lte {
		return b.searchDown(c, spacing, extraWordBudget)
	}
	return b.searchUp(c, spacing, extraWordBudget)
}

func (b *Bitmap) searchDown(c, spacing int32, budget int) (int32, bool) {
	minWord := wordPos(compress(sqrtprice.MinTick, spacing))
	wp := wordPos(c)
	// Mask covers bits at or below the starting position in the first
	// word; subsequent words are scanned whole.
	maskTop := bitPos(c)
	for {
		if w, ok := b.words[wp]; ok {
			if bit, ok := highestSetAtOrBelow(w, maskTop); ok {
				return b.clampResult(int32(wp)*256+int32(bit), spacing)
			}
		}
		if wp <= minWord {
			return clampTick(int32(wp) * 256 * spacing), false
		}
		if budget <= 0 {
			// Boundary of the last word searched.
			return clampTick(int32(wp) * 256 * spacing), false
		}
		budget--
		wp--
		maskTop = 255
	}
}

func (b *Bitmap) searchUp(c, spacing int32, budget int) (int32, bool) {
	maxWord := wordPos(compress(sqrtprice.MaxTick, spacing))
	wp := wordPos(c)
	maskBottom := bitPos(c) + 1
	for {
		if maskBottom <= 255 {
			if w, ok := b.words[wp]; ok {
				if bit, ok := lowestSetAtOrAbove(w, maskBottom); ok {
					return b.clampResult(int32(wp)*256+int32(bit), spacing)
				}
			}
		}
		if wp >= maxWord {
			return clampTick((int32(wp)*256 + 255) * spacing), false
		}
		if budget <= 0 {
			return clampTick((int32(wp)*256 + 255) * spacing), false
		}
		budget--
		wp++
		maskBottom = 0
	}
}

// clampResult converts a compressed hit back to a tick, rejecting hits
// beyond the global bound: adversarial or stale bits outside the valid
// range must never be trusted as found.
func (b *Bitmap) clampResult(compressed, spacing int32) (int32, bool) {
	tick := compressed * spacing
	if tick < sqrtprice.MinTick {
		return sqrtprice.MinTick, false
	}
	if tick > sqrtprice.MaxTick {
		return sqrtprice.MaxTick, false
	}
	return tick, true
}

func clampTick(tick int32) int32 {
	if tick < sqrtprice.MinTick {
		return sqrtprice.MinTick
	}
	if tick > sqrtprice.MaxTick {
		return sqrtprice.MaxTick
	}
	return tick
}

// highestSetAtOrBelow returns the highest set bit index <= limit.
func highestSetAtOrBelow(w word, limit uint32) (uint32, bool) {
	for limb := int(limit / 64); limb >= 0; limb-- {
		v := w[limb]
		if limb == int(limit/64) {
			keep := limit%64 + 1
			if keep < 64 {
				v &= (1 << keep) - 1
			}
		}
		if v != 0 {
			return uint32(limb*64 + 63 - bits.LeadingZeros64(v)), true
		}
	}
	return 0, false
}

// lowestSetAtOrAbove returns the lowest set bit index >= start.
func lowestSetAtOrAbove(w word, start uint32) (uint32, bool) {
	for limb := int(start / 64); limb < 4; limb++ {
		v := w[limb]
		if limb == int(start/64) {
			v &^= (1 << (start % 64)) - 1
		}
		if v != 0 {
			return uint32(limb*64 + bits.TrailingZeros64(v)), true
		}
	}
	return 0, false
}
