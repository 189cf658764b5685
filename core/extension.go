// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"math/big"

	"github.com/luxfi/geth/common"
)

// Extension is a registered collaborator invoked around core
// operations. Each hook receives the pool identity and the operation
// parameters, may execute arbitrary core operations before the core
// proceeds (it holds the active lock's authority for the duration of
// the hook), and aborts the entire outer operation by returning an
// error.
type Extension interface {
	BeforeInitialize(m *Manager, key PoolKey, sqrtPriceX96 *big.Int) error
	AfterInitialize(m *Manager, key PoolKey, sqrtPriceX96 *big.Int, tick int24) error

	BeforeSwap(m *Manager, key PoolKey, params SwapParams) error
	AfterSwap(m *Manager, key PoolKey, params SwapParams, delta BalanceDelta) error

	BeforeUpdatePosition(m *Manager, key PoolKey, params ModifyLiquidityParams) error
	AfterUpdatePosition(m *Manager, key PoolKey, params ModifyLiquidityParams, delta BalanceDelta) error

	BeforeCollectFees(m *Manager, key PoolKey, tickLower, tickUpper int24) error
	AfterCollectFees(m *Manager, key PoolKey, tickLower, tickUpper int24, amount0, amount1 *big.Int) error
}

// NoopExtension implements Extension with no behavior. Embed it to
// implement only the hooks an extension cares about.
type NoopExtension struct{}

func (NoopExtension) BeforeInitialize(*Manager, PoolKey, *big.Int) error { return nil }
func (NoopExtension) AfterInitialize(*Manager, PoolKey, *big.Int, int24) error {
	return nil
}
func (NoopExtension) BeforeSwap(*Manager, PoolKey, SwapParams) error { return nil }
func (NoopExtension) AfterSwap(*Manager, PoolKey, SwapParams, BalanceDelta) error {
	return nil
}
func (NoopExtension) BeforeUpdatePosition(*Manager, PoolKey, ModifyLiquidityParams) error {
	return nil
}
func (NoopExtension) AfterUpdatePosition(*Manager, PoolKey, ModifyLiquidityParams, BalanceDelta) error {
	return nil
}
func (NoopExtension) BeforeCollectFees(*Manager, PoolKey, int24, int24) error { return nil }
func (NoopExtension) AfterCollectFees(*Manager, PoolKey, int24, int24, *big.Int, *big.Int) error {
	return nil
}

// RegisterExtension binds an extension implementation to an address.
// Pool keys reference extensions by address only.
func (m *Manager) RegisterExtension(addr common.Address, ext Extension) error {
	if addr == (common.Address{}) {
		return ErrUnauthorized
	}
	if _, ok := m.extensions[addr]; ok {
		return ErrExtensionExists
	}
	m.extensions[addr] = ext
	return nil
}

// extensionFor resolves the extension of a pool key. Returns nil when
// the key carries no extension.
func (m *Manager) extensionFor(key PoolKey) (Extension, error) {
	if key.Extension == (common.Address{}) {
		return nil, nil
	}
	ext, ok := m.extensions[key.Extension]
	if !ok {
		return nil, ErrExtensionNotRegistered
	}
	return ext, nil
}

// callHook runs fn with the extension's address holding the active
// lock's authority, so hooks can settle, accumulate fees, or re-enter
// core operations as themselves. Outside a lock the hook runs without
// delegated authority.
func (m *Manager) callHook(addr common.Address, fn func() error) error {
	if len(m.lockStack) == 0 {
		return fn()
	}
	return m.Forward(addr, fn)
}
