// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/amm/sqrtprice"
)

// Storage key prefixes
var (
	poolKeyPrefix   = []byte("pkey")
	poolStatePrefix = []byte("pool")
	tickPrefix      = []byte("tick")
	positionPrefix  = []byte("posn")
)

var errCorruptRecord = errors.New("corrupt persisted record")

// tickStorageKey maps a signed tick to a fixed-width, order-preserving
// byte key. The bias flips the sign bit so lexicographic byte order
// equals numeric tick order, and the fixed width makes collisions
// between distinct (pool, tick) pairs impossible.
func tickStorageKey(poolID [32]byte, tick int24) []byte {
	key := make([]byte, 0, len(tickPrefix)+32+4)
	key = append(key, tickPrefix...)
	key = append(key, poolID[:]...)
	var enc [4]byte
	binary.BigEndian.PutUint32(enc[:], uint32(tick)^0x80000000)
	return append(key, enc[:]...)
}

func prefixed(prefix []byte, id []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(id))
	key = append(key, prefix...)
	return append(key, id...)
}

// Commit writes every pool, tick, and position record to the backing
// store and removes records for ticks and positions that no longer
// exist. No-op without a database.
func (m *Manager) Commit() error {
	if m.db == nil {
		return nil
	}
	for poolID, pool := range m.pools {
		key, ok := m.poolKeys[poolID]
		if !ok {
			continue
		}
		if err := m.db.Put(prefixed(poolKeyPrefix, poolID[:]), key.ToBytes()); err != nil {
			return err
		}
		if err := m.db.Put(prefixed(poolStatePrefix, poolID[:]), encodePool(pool)); err != nil {
			return err
		}
		if err := m.commitTicks(poolID); err != nil {
			return err
		}
		if err := m.commitPositions(poolID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) commitTicks(poolID [32]byte) error {
	live := m.ticks[poolID]

	// Drop records for ticks whose gross liquidity returned to zero.
	it := m.db.NewIteratorWithPrefix(prefixed(tickPrefix, poolID[:]))
	var stale [][]byte
	for it.Next() {
		k := it.Key()
		if len(k) != len(tickPrefix)+32+4 {
			continue
		}
		tick := int24(binary.BigEndian.Uint32(k[len(k)-4:]) ^ 0x80000000)
		if _, ok := live[tick]; !ok {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, k := range stale {
		if err := m.db.Delete(k); err != nil {
			return err
		}
	}

	for tick, info := range live {
		if err := m.db.Put(tickStorageKey(poolID, tick), encodeTick(info)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) commitPositions(poolID [32]byte) error {
	live := m.positions[poolID]

	it := m.db.NewIteratorWithPrefix(prefixed(positionPrefix, poolID[:]))
	var stale [][]byte
	for it.Next() {
		k := it.Key()
		if len(k) != len(positionPrefix)+32+32 {
			continue
		}
		var posKey [32]byte
		copy(posKey[:], k[len(k)-32:])
		if _, ok := live[posKey]; !ok {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, k := range stale {
		if err := m.db.Delete(k); err != nil {
			return err
		}
	}

	for posKey, pos := range live {
		k := make([]byte, 0, len(positionPrefix)+64)
		k = append(k, positionPrefix...)
		k = append(k, poolID[:]...)
		k = append(k, posKey[:]...)
		if err := m.db.Put(k, encodePosition(pos)); err != nil {
			return err
		}
	}
	return nil
}

// Load rebuilds the in-memory state from the backing store, including
// the tick bitmaps, which are derived from the persisted tick records
// rather than stored.
func (m *Manager) Load() error {
	if m.db == nil {
		return nil
	}

	it := m.db.NewIteratorWithPrefix(poolKeyPrefix)
	for it.Next() {
		k := it.Key()
		if len(k) != len(poolKeyPrefix)+32 {
			continue
		}
		var poolID [32]byte
		copy(poolID[:], k[len(poolKeyPrefix):])

		poolKey, err := PoolKeyFromBytes(it.Value())
		if err != nil {
			it.Release()
			return err
		}
		m.poolKeys[poolID] = poolKey

		raw, err := m.db.Get(prefixed(poolStatePrefix, poolID[:]))
		if err != nil {
			it.Release()
			return err
		}
		pool, err := decodePool(raw)
		if err != nil {
			it.Release()
			return err
		}
		m.pools[poolID] = pool

		if err := m.loadTicks(poolID, poolKey.TickSpacing); err != nil {
			it.Release()
			return err
		}
		if err := m.loadPositions(poolID); err != nil {
			it.Release()
			return err
		}
	}
	it.Release()
	return it.Error()
}

func (m *Manager) loadTicks(poolID [32]byte, spacing int24) error {
	it := m.db.NewIteratorWithPrefix(prefixed(tickPrefix, poolID[:]))
	defer it.Release()
	for it.Next() {
		k := it.Key()
		if len(k) != len(tickPrefix)+32+4 {
			continue
		}
		tick := int24(binary.BigEndian.Uint32(k[len(k)-4:]) ^ 0x80000000)
		info, err := decodeTick(it.Value())
		if err != nil {
			return err
		}
		byTick, ok := m.ticks[poolID]
		if !ok {
			byTick = make(map[int24]*TickInfo)
			m.ticks[poolID] = byTick
		}
		byTick[tick] = info
		if info.LiquidityGross.Sign() > 0 {
			if err := m.bitmap(poolID).Flip(tick, spacing); err != nil {
				return err
			}
		}
	}
	return it.Error()
}

func (m *Manager) loadPositions(poolID [32]byte) error {
	it := m.db.NewIteratorWithPrefix(prefixed(positionPrefix, poolID[:]))
	defer it.Release()
	for it.Next() {
		k := it.Key()
		if len(k) != len(positionPrefix)+32+32 {
			continue
		}
		var posKey [32]byte
		copy(posKey[:], k[len(k)-32:])
		pos, err := decodePosition(it.Value())
		if err != nil {
			return err
		}
		byKey, ok := m.positions[poolID]
		if !ok {
			byKey = make(map[[32]byte]*Position)
			m.positions[poolID] = byKey
		}
		byKey[posKey] = pos
	}
	return it.Error()
}

// HasPool reports whether a pool record exists in the backing store.
func (m *Manager) HasPool(key PoolKey) (bool, error) {
	if m.db == nil {
		return false, nil
	}
	id := key.ID()
	_, err := m.db.Get(prefixed(poolKeyPrefix, id[:]))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// =========================================================================
// Record codecs
// =========================================================================

func appendBig(buf []byte, v *big.Int) []byte {
	b := v.Bytes()
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(b)))
	buf = append(buf, n[:]...)
	return append(buf, b...)
}

func readBig(buf []byte) (*big.Int, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, errCorruptRecord
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, errCorruptRecord
	}
	return new(big.Int).SetBytes(buf[:n]), buf[n:], nil
}

func appendSignedBig(buf []byte, v *big.Int) []byte {
	if v.Sign() < 0 {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return appendBig(buf, new(big.Int).Abs(v))
}

func readSignedBig(buf []byte) (*big.Int, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, errCorruptRecord
	}
	neg := buf[0] == 1
	v, rest, err := readBig(buf[1:])
	if err != nil {
		return nil, nil, err
	}
	if neg {
		v.Neg(v)
	}
	return v, rest, nil
}

func encodePool(p *Pool) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.SqrtPrice))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.Tick))
	buf = appendBig(buf, p.Liquidity)
	buf = appendBig(buf, p.FeeGrowth0X128)
	buf = appendBig(buf, p.FeeGrowth1X128)
	return buf
}

func decodePool(buf []byte) (*Pool, error) {
	if len(buf) < 12 {
		return nil, errCorruptRecord
	}
	p := NewPool()
	p.SqrtPrice = sqrtprice.Compact(binary.BigEndian.Uint64(buf[0:8]))
	p.Tick = int24(binary.BigEndian.Uint32(buf[8:12]))
	rest := buf[12:]
	var err error
	if p.Liquidity, rest, err = readBig(rest); err != nil {
		return nil, err
	}
	if p.FeeGrowth0X128, rest, err = readBig(rest); err != nil {
		return nil, err
	}
	if p.FeeGrowth1X128, _, err = readBig(rest); err != nil {
		return nil, err
	}
	return p, nil
}

func encodeTick(t *TickInfo) []byte {
	buf := appendBig(nil, t.LiquidityGross)
	buf = appendSignedBig(buf, t.LiquidityNet)
	buf = appendBig(buf, t.FeeGrowthOutside0X128)
	buf = appendBig(buf, t.FeeGrowthOutside1X128)
	return buf
}

func decodeTick(buf []byte) (*TickInfo, error) {
	t := newTickInfo()
	var err error
	if t.LiquidityGross, buf, err = readBig(buf); err != nil {
		return nil, err
	}
	if t.LiquidityNet, buf, err = readSignedBig(buf); err != nil {
		return nil, err
	}
	if t.FeeGrowthOutside0X128, buf, err = readBig(buf); err != nil {
		return nil, err
	}
	if t.FeeGrowthOutside1X128, _, err = readBig(buf); err != nil {
		return nil, err
	}
	return t, nil
}

func encodePosition(p *Position) []byte {
	buf := make([]byte, 28)
	copy(buf[0:20], p.Owner.Bytes())
	binary.BigEndian.PutUint32(buf[20:24], uint32(p.TickLower))
	binary.BigEndian.PutUint32(buf[24:28], uint32(p.TickUpper))
	buf = appendBig(buf, p.Liquidity)
	buf = appendBig(buf, p.FeeGrowthInside0LastX128)
	buf = appendBig(buf, p.FeeGrowthInside1LastX128)
	buf = appendBig(buf, p.TokensOwed0)
	buf = appendBig(buf, p.TokensOwed1)
	return buf
}

func decodePosition(buf []byte) (*Position, error) {
	if len(buf) < 28 {
		return nil, errCorruptRecord
	}
	p := &Position{
		Owner:     common.BytesToAddress(buf[0:20]),
		TickLower: int24(binary.BigEndian.Uint32(buf[20:24])),
		TickUpper: int24(binary.BigEndian.Uint32(buf[24:28])),
	}
	rest := buf[28:]
	var err error
	if p.Liquidity, rest, err = readBig(rest); err != nil {
		return nil, err
	}
	if p.FeeGrowthInside0LastX128, rest, err = readBig(rest); err != nil {
		return nil, err
	}
	if p.FeeGrowthInside1LastX128, rest, err = readBig(rest); err != nil {
		return nil, err
	}
	if p.TokensOwed0, rest, err = readBig(rest); err != nil {
		return nil, err
	}
	if p.TokensOwed1, _, err = readBig(rest); err != nil {
		return nil, err
	}
	return p, nil
}
