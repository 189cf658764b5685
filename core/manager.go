// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"fmt"
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/amm/tickbitmap"
)

// Manager is the singleton settlement core. All pools live in this
// single instance, enabling flash accounting: token movements inside a
// lock are tracked as signed debt and only verified, not transferred,
// until the lock closes.
//
// Execution is single-threaded and re-entrant. A lock's callback may
// open nested locks, delegate authority via Forward, or re-enter any
// core operation; every mutation is journaled and unwound in full if
// any enclosing call fails.
type Manager struct {
	log log.Logger
	db  database.Database
	cfg Config

	// pools stores all pool states by pool ID
	pools    map[[32]byte]*Pool
	poolKeys map[[32]byte]PoolKey

	// ticks and bitmaps are keyed by pool ID; ticks additionally by
	// tick number
	ticks   map[[32]byte]map[int24]*TickInfo
	bitmaps map[[32]byte]*tickbitmap.Bitmap

	// positions is keyed by pool ID, then position key
	positions map[[32]byte]map[[32]byte]*Position

	// balances are the ledger's own token reserves; accounts are
	// external holdings the ledger can pull from or pay to
	balances map[Currency]*big.Int
	accounts map[common.Address]map[Currency]*big.Int

	// lockStack is the explicit re-entrancy context: one entry per open
	// lock, id equal to its depth
	lockStack []lockContext

	// debts and payments are keyed by (lock id, currency), never by
	// currency alone: a nested lock must not be able to consume or
	// clear an outer lock's bookkeeping
	debts    map[debtKey]*big.Int
	payments map[debtKey]*big.Int

	// nonzero counts currencies with outstanding debt per lock id
	nonzero map[int]int

	extensions map[common.Address]Extension

	// opDepth counts operations in flight that manage their own
	// journal snapshot. The journal may only be reset when no lock and
	// no such operation is open, or a re-entrant call would discard
	// undo records its caller still needs.
	opDepth int

	journal journal
}

// lockContext identifies one open lock: its nesting depth and the
// address currently authorized to settle against it.
type lockContext struct {
	id    int
	owner common.Address
}

type debtKey struct {
	lock     int
	currency Currency
}

// Config tunes the settlement core. The zero value selects defaults.
type Config struct {
	// SearchBudget is the number of extra bitmap words one swap
	// iteration may scan when the caller does not request a budget.
	SearchBudget int

	// MaxLiquidityPerTick overrides the spacing-derived per-tick
	// liquidity cap for every pool when non-nil.
	MaxLiquidityPerTick *big.Int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{SearchBudget: DefaultSearchBudget}
}

// New creates a settlement core backed by db with default
// configuration. db may be nil for a purely in-memory instance.
func New(db database.Database, logger log.Logger) *Manager {
	return NewWithConfig(db, logger, DefaultConfig())
}

// NewWithConfig creates a settlement core with explicit configuration.
func NewWithConfig(db database.Database, logger log.Logger, cfg Config) *Manager {
	if cfg.SearchBudget < 1 {
		cfg.SearchBudget = DefaultSearchBudget
	}
	return &Manager{
		log:        logger,
		db:         db,
		cfg:        cfg,
		pools:      make(map[[32]byte]*Pool),
		poolKeys:   make(map[[32]byte]PoolKey),
		ticks:      make(map[[32]byte]map[int24]*TickInfo),
		bitmaps:    make(map[[32]byte]*tickbitmap.Bitmap),
		positions:  make(map[[32]byte]map[[32]byte]*Position),
		balances:   make(map[Currency]*big.Int),
		accounts:   make(map[common.Address]map[Currency]*big.Int),
		debts:      make(map[debtKey]*big.Int),
		payments:   make(map[debtKey]*big.Int),
		nonzero:    make(map[int]int),
		extensions: make(map[common.Address]Extension),
	}
}

// =========================================================================
// Lock / Forward
// =========================================================================

// Lock opens a settlement context and runs fn inside it. value, if
// positive, is native currency attached to the call and is credited as
// debt reduction immediately on receipt. When fn returns, every
// currency the lock touched must have exactly zero debt; otherwise the
// entire nested call tree, including every state change made inside
// it, is discarded and a settlement error is returned.
func (m *Manager) Lock(owner common.Address, value *big.Int, fn func(id int) error) error {
	snap := m.journal.snapshot()
	id := len(m.lockStack)
	m.lockStack = append(m.lockStack, lockContext{id: id, owner: owner})

	var err error
	if value != nil && value.Sign() > 0 {
		if err = checkAmountU128(value); err == nil {
			m.addBalance(NativeCurrency, value)
			err = m.accountDebt(id, NativeCurrency, new(big.Int).Neg(value))
		}
	}
	if err == nil {
		err = fn(id)
	}

	// Nested locks opened by fn have already been popped.
	m.lockStack = m.lockStack[:id]

	if err == nil && m.nonzero[id] != 0 {
		err = fmt.Errorf("%w: lock %d left %d currencies unsettled", ErrDebtNotSettled, id, m.nonzero[id])
	}
	if err != nil {
		m.journal.revertTo(snap)
		return err
	}

	// Clear settled bookkeeping so a later lock reusing this depth
	// starts clean. Journaled: an outer failure still unwinds to the
	// true prior state.
	m.setNonzero(id, 0)
	for k := range m.payments {
		if k.lock == id {
			m.setPayment(k, nil)
		}
	}

	if m.opDepth == 0 && len(m.lockStack) == 0 {
		m.journal.reset()
	}
	return nil
}

// Forward temporarily re-assigns the active lock's settlement
// authority to target for the duration of one call. The lock id is
// preserved; only the authorized address changes, and it is restored
// on both success and failure.
func (m *Manager) Forward(target common.Address, fn func() error) error {
	if len(m.lockStack) == 0 {
		return ErrNoActiveLock
	}
	idx := len(m.lockStack) - 1
	prev := m.lockStack[idx].owner
	m.lockStack[idx].owner = target
	// Index, not a captured element: nested locks may grow the stack
	// and reallocate its backing array before we restore.
	defer func() { m.lockStack[idx].owner = prev }()
	return fn()
}

func (m *Manager) activeLock() (lockContext, error) {
	if len(m.lockStack) == 0 {
		return lockContext{}, ErrNoActiveLock
	}
	return m.lockStack[len(m.lockStack)-1], nil
}

// =========================================================================
// Debt accounting
// =========================================================================

// accountDebt adds delta to the active lock's debt for a currency and
// maintains the nonzero-debt counter. Only reachable through the
// core's own swap, position, and settlement logic.
func (m *Manager) accountDebt(lockID int, c Currency, delta *big.Int) error {
	if err := checkDeltaI128(delta); err != nil {
		return err
	}
	if delta.Sign() == 0 {
		return nil
	}
	k := debtKey{lock: lockID, currency: c}
	old := m.debts[k]
	next := new(big.Int).Set(delta)
	if old != nil {
		next.Add(next, old)
	}
	if err := checkDeltaI128(next); err != nil {
		return err
	}

	wasZero := old == nil || old.Sign() == 0
	isZero := next.Sign() == 0
	if wasZero && !isZero {
		m.setNonzero(lockID, m.nonzero[lockID]+1)
	} else if !wasZero && isZero {
		m.setNonzero(lockID, m.nonzero[lockID]-1)
	}
	m.setDebt(k, next)
	return nil
}

// Debt returns the active debt of a lock for a currency. Positive
// means the lock owes the pool.
func (m *Manager) Debt(lockID int, c Currency) *big.Int {
	if d, ok := m.debts[debtKey{lock: lockID, currency: c}]; ok {
		return new(big.Int).Set(d)
	}
	return new(big.Int)
}

// =========================================================================
// Settlement primitives
// =========================================================================

// Withdraw transfers amount of c from the ledger to recipient and
// increases the active lock's debt by amount.
func (m *Manager) Withdraw(c Currency, recipient common.Address, amount *big.Int) error {
	lc, err := m.activeLock()
	if err != nil {
		return err
	}
	if err := checkAmountU128(amount); err != nil {
		return err
	}
	bal := m.balance(c)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	m.subBalance(c, amount)
	m.addAccount(recipient, c, amount)
	return m.accountDebt(lc.id, c, amount)
}

// PayFrom pulls amount of c from payer into the ledger and reduces the
// active lock's debt by amount.
func (m *Manager) PayFrom(payer common.Address, c Currency, amount *big.Int) error {
	lc, err := m.activeLock()
	if err != nil {
		return err
	}
	if err := checkAmountU128(amount); err != nil {
		return err
	}
	return m.payFrom(lc.id, payer, c, amount)
}

// PayTwoFrom settles both legs of a pair in one call. Both amounts are
// validated before either is applied.
func (m *Manager) PayTwoFrom(payer common.Address, c0, c1 Currency, amount0, amount1 *big.Int) error {
	lc, err := m.activeLock()
	if err != nil {
		return err
	}
	if err := checkAmountU128(amount0); err != nil {
		return err
	}
	if err := checkAmountU128(amount1); err != nil {
		return err
	}
	if err := m.payFrom(lc.id, payer, c0, amount0); err != nil {
		return err
	}
	return m.payFrom(lc.id, payer, c1, amount1)
}

func (m *Manager) payFrom(lockID int, payer common.Address, c Currency, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	have := m.accountBalance(payer, c)
	if have.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	m.subAccount(payer, c, amount)
	m.addBalance(c, amount)
	return m.accountDebt(lockID, c, new(big.Int).Neg(amount))
}

// StartPayment snapshots the ledger's balance of c for the active
// lock. The caller may then move tokens in by any means and call
// CompletePayment to credit the observed increase. The open window is
// a critical section keyed by lock id, so a nested lock's settlement
// cannot consume this lock's snapshot.
func (m *Manager) StartPayment(c Currency) error {
	lc, err := m.activeLock()
	if err != nil {
		return err
	}
	k := debtKey{lock: lc.id, currency: c}
	if _, open := m.payments[k]; open {
		return ErrPaymentPending
	}
	m.setPayment(k, m.balance(c))
	return nil
}

// CompletePayment closes the payment window opened by StartPayment and
// reduces the active lock's debt by the balance increase observed
// since. Returns the credited amount. Any incoming transfer during the
// window is credited, not just the intended payer's.
func (m *Manager) CompletePayment(c Currency) (*big.Int, error) {
	lc, err := m.activeLock()
	if err != nil {
		return nil, err
	}
	k := debtKey{lock: lc.id, currency: c}
	before, open := m.payments[k]
	if !open {
		return nil, ErrNoPayment
	}
	credit := new(big.Int).Sub(m.balance(c), before)
	if credit.Sign() < 0 {
		credit.SetInt64(0)
	}
	if err := checkAmountU128(credit); err != nil {
		return nil, err
	}
	m.setPayment(k, nil)
	if err := m.accountDebt(lc.id, c, new(big.Int).Neg(credit)); err != nil {
		return nil, err
	}
	return credit, nil
}

// Transfer moves tokens from an external account into the ledger
// without touching debt. Used inside a payment window.
func (m *Manager) Transfer(from common.Address, c Currency, amount *big.Int) error {
	if err := checkAmountU128(amount); err != nil {
		return err
	}
	have := m.accountBalance(from, c)
	if have.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	m.subAccount(from, c, amount)
	m.addBalance(c, amount)
	return nil
}

// Fund mints external balance for an account. Bootstrap and test hook.
func (m *Manager) Fund(addr common.Address, c Currency, amount *big.Int) error {
	if err := checkAmountU128(amount); err != nil {
		return err
	}
	m.addAccount(addr, c, amount)
	return nil
}

// Balance returns the ledger's reserve of a currency.
func (m *Manager) Balance(c Currency) *big.Int {
	return new(big.Int).Set(m.balance(c))
}

// AccountBalance returns an external account's holding of a currency.
func (m *Manager) AccountBalance(addr common.Address, c Currency) *big.Int {
	return new(big.Int).Set(m.accountBalance(addr, c))
}

// =========================================================================
// Journaled state accessors
// =========================================================================

func (m *Manager) setDebt(k debtKey, v *big.Int) {
	prev, had := m.debts[k]
	m.journal.record(func() {
		if had {
			m.debts[k] = prev
		} else {
			delete(m.debts, k)
		}
	})
	if v.Sign() == 0 {
		delete(m.debts, k)
	} else {
		m.debts[k] = v
	}
}

func (m *Manager) setNonzero(id, n int) {
	prev, had := m.nonzero[id]
	m.journal.record(func() {
		if had {
			m.nonzero[id] = prev
		} else {
			delete(m.nonzero, id)
		}
	})
	if n == 0 {
		delete(m.nonzero, id)
	} else {
		m.nonzero[id] = n
	}
}

func (m *Manager) setPayment(k debtKey, v *big.Int) {
	prev, had := m.payments[k]
	m.journal.record(func() {
		if had {
			m.payments[k] = prev
		} else {
			delete(m.payments, k)
		}
	})
	if v == nil {
		delete(m.payments, k)
	} else {
		m.payments[k] = new(big.Int).Set(v)
	}
}

func (m *Manager) balance(c Currency) *big.Int {
	if b, ok := m.balances[c]; ok {
		return b
	}
	return new(big.Int)
}

func (m *Manager) setBalance(c Currency, v *big.Int) {
	prev, had := m.balances[c]
	m.journal.record(func() {
		if had {
			m.balances[c] = prev
		} else {
			delete(m.balances, c)
		}
	})
	m.balances[c] = v
}

func (m *Manager) addBalance(c Currency, amount *big.Int) {
	m.setBalance(c, new(big.Int).Add(m.balance(c), amount))
}

func (m *Manager) subBalance(c Currency, amount *big.Int) {
	m.setBalance(c, new(big.Int).Sub(m.balance(c), amount))
}

func (m *Manager) accountBalance(addr common.Address, c Currency) *big.Int {
	if acct, ok := m.accounts[addr]; ok {
		if b, ok := acct[c]; ok {
			return b
		}
	}
	return new(big.Int)
}

func (m *Manager) setAccount(addr common.Address, c Currency, v *big.Int) {
	acct, ok := m.accounts[addr]
	if !ok {
		acct = make(map[Currency]*big.Int)
		m.accounts[addr] = acct
	}
	prev, had := acct[c]
	m.journal.record(func() {
		if had {
			acct[c] = prev
		} else {
			delete(acct, c)
		}
	})
	acct[c] = v
}

func (m *Manager) addAccount(addr common.Address, c Currency, amount *big.Int) {
	m.setAccount(addr, c, new(big.Int).Add(m.accountBalance(addr, c), amount))
}

func (m *Manager) subAccount(addr common.Address, c Currency, amount *big.Int) {
	m.setAccount(addr, c, new(big.Int).Sub(m.accountBalance(addr, c), amount))
}

func (m *Manager) getPool(poolID [32]byte) *Pool {
	return m.pools[poolID]
}

func (m *Manager) setPool(poolID [32]byte, p *Pool) {
	prev, had := m.pools[poolID]
	m.journal.record(func() {
		if had {
			m.pools[poolID] = prev
		} else {
			delete(m.pools, poolID)
		}
	})
	m.pools[poolID] = p
}

func (m *Manager) setPoolKey(poolID [32]byte, key PoolKey) {
	prev, had := m.poolKeys[poolID]
	m.journal.record(func() {
		if had {
			m.poolKeys[poolID] = prev
		} else {
			delete(m.poolKeys, poolID)
		}
	})
	m.poolKeys[poolID] = key
}

// getTick returns a copy of the tick record, or a fresh zero record if
// the tick has never been referenced.
func (m *Manager) getTick(poolID [32]byte, tick int24) *TickInfo {
	if byTick, ok := m.ticks[poolID]; ok {
		if info, ok := byTick[tick]; ok {
			return info.clone()
		}
	}
	return newTickInfo()
}

func (m *Manager) hasTick(poolID [32]byte, tick int24) bool {
	byTick, ok := m.ticks[poolID]
	if !ok {
		return false
	}
	_, ok = byTick[tick]
	return ok
}

// setTick stores a tick record; nil deletes it.
func (m *Manager) setTick(poolID [32]byte, tick int24, info *TickInfo) {
	byTick, ok := m.ticks[poolID]
	if !ok {
		byTick = make(map[int24]*TickInfo)
		m.ticks[poolID] = byTick
	}
	prev, had := byTick[tick]
	m.journal.record(func() {
		if had {
			byTick[tick] = prev
		} else {
			delete(byTick, tick)
		}
	})
	if info == nil {
		delete(byTick, tick)
	} else {
		byTick[tick] = info
	}
}

func (m *Manager) bitmap(poolID [32]byte) *tickbitmap.Bitmap {
	b, ok := m.bitmaps[poolID]
	if !ok {
		b = tickbitmap.New()
		m.bitmaps[poolID] = b
	}
	return b
}

// flipTick toggles a bitmap bit. Flipping is its own inverse, so the
// journal entry just flips again.
func (m *Manager) flipTick(poolID [32]byte, tick, spacing int24) error {
	b := m.bitmap(poolID)
	if err := b.Flip(tick, spacing); err != nil {
		return err
	}
	m.journal.record(func() { _ = b.Flip(tick, spacing) })
	return nil
}

func (m *Manager) getPosition(poolID, posKey [32]byte) (*Position, bool) {
	if byKey, ok := m.positions[poolID]; ok {
		if p, ok := byKey[posKey]; ok {
			return p.clone(), true
		}
	}
	return nil, false
}

func (m *Manager) setPosition(poolID, posKey [32]byte, p *Position) {
	byKey, ok := m.positions[poolID]
	if !ok {
		byKey = make(map[[32]byte]*Position)
		m.positions[poolID] = byKey
	}
	prev, had := byKey[posKey]
	m.journal.record(func() {
		if had {
			byKey[posKey] = prev
		} else {
			delete(byKey, posKey)
		}
	})
	if p == nil {
		delete(byKey, posKey)
	} else {
		byKey[posKey] = p
	}
}

// finalize reverts to snap on error; on top-level success it resets
// the journal. Used by operations callable outside a lock.
func (m *Manager) finalize(snap int, err error) {
	if err != nil {
		m.journal.revertTo(snap)
		return
	}
	if m.opDepth == 0 && len(m.lockStack) == 0 {
		m.journal.reset()
	}
}
