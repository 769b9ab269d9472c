// Package accounts maintains account balances and applies transactions and
// blocks to them.
package accounts

import (
	"fmt"
	"sync"

	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
)

// MinerAccount is the reserved account credited with every transaction fee.
const MinerAccount = "miner"

// Accounts manages the balances of accounts who transact on the blockchain.
type Accounts struct {
	fee      database.Amount
	balances map[string]database.Amount
	mu       sync.RWMutex
}

// New constructs an empty set of accounts that charges the specified fee
// for every transaction.
func New(fee database.Amount) *Accounts {
	return &Accounts{
		fee:      fee,
		balances: make(map[string]database.Amount),
	}
}

// NewFromBalances constructs accounts seeded with the specified balances.
// This bypasses the chain and exists for bootstrap and testing.
func NewFromBalances(fee database.Amount, balances map[string]database.Amount) *Accounts {
	act := New(fee)
	for account, balance := range balances {
		act.balances[account] = balance
	}

	return act
}

// Fee returns the fixed fee charged for every transaction.
func (act *Accounts) Fee() database.Amount {
	return act.fee
}

// Reset removes all balances.
func (act *Accounts) Reset() {
	act.mu.Lock()
	defer act.mu.Unlock()

	act.balances = make(map[string]database.Amount)
}

// Replace swaps in the balances of the specified accounts.
func (act *Accounts) Replace(other *Accounts) {
	balances := other.Copy()

	act.mu.Lock()
	defer act.mu.Unlock()

	act.balances = balances
}

// Balance returns the balance for the account. Unknown accounts have a
// balance of zero.
func (act *Accounts) Balance(account string) database.Amount {
	act.mu.RLock()
	defer act.mu.RUnlock()

	return act.balances[account]
}

// Copy returns a snapshot of every balance. Changes to the returned map do
// not affect the accounts.
func (act *Accounts) Copy() map[string]database.Amount {
	act.mu.RLock()
	defer act.mu.RUnlock()

	return copyBalances(act.balances)
}

// =============================================================================

// IsValidTransaction reports whether the transaction could be applied to the
// current balances. Nothing is changed.
func (act *Accounts) IsValidTransaction(tx database.Tx) bool {
	return act.ValidateTransaction(tx) == nil
}

// ValidateTransaction checks the transaction against the current balances
// and returns the reason it can't be applied.
func (act *Accounts) ValidateTransaction(tx database.Tx) error {
	act.mu.RLock()
	defer act.mu.RUnlock()

	return validate(act.balances, act.fee, tx)
}

// ApplyTransaction moves amount from the sender to the recipient and the fee
// from the sender to the miner account. On error nothing is changed.
func (act *Accounts) ApplyTransaction(tx database.Tx) error {
	act.mu.Lock()
	defer act.mu.Unlock()

	if err := validate(act.balances, act.fee, tx); err != nil {
		return err
	}

	transfer(act.balances, act.fee, tx)

	return nil
}

// ApplyBlock applies every transaction in the block, in order, to a working
// copy of the balances. The copy replaces the live balances only when every
// transaction succeeds, so a block is applied in full or not at all.
func (act *Accounts) ApplyBlock(block database.Block) error {
	act.mu.Lock()
	defer act.mu.Unlock()

	work := copyBalances(act.balances)
	if err := applyBlock(work, act.fee, block); err != nil {
		return err
	}

	act.balances = work

	return nil
}

// SimulateBlock performs the work of ApplyBlock without keeping the result.
// This is used to validate proposed blocks.
func (act *Accounts) SimulateBlock(block database.Block) error {
	act.mu.RLock()
	work := copyBalances(act.balances)
	act.mu.RUnlock()

	return applyBlock(work, act.fee, block)
}

// InitializeFromBlockchain rebuilds the balances by replaying the blocks in
// order starting from genesis. If any block fails the balances are left as
// they were.
func (act *Accounts) InitializeFromBlockchain(blocks []database.Block) error {
	work := make(map[string]database.Amount)
	for i, block := range blocks {
		if block.Index != uint64(i) {
			return fmt.Errorf("block %d out of order at position %d", block.Index, i)
		}

		if err := applyBlock(work, act.fee, block); err != nil {
			return err
		}
	}

	act.mu.Lock()
	defer act.mu.Unlock()

	act.balances = work

	return nil
}

// =============================================================================

// applyBlock applies the block's transactions to the balances in place.
func applyBlock(balances map[string]database.Amount, fee database.Amount, block database.Block) error {
	for _, tx := range block.Transactions {

		// Allocations mint coins and are only allowed in the genesis block.
		if tx.IsAllocation() {
			if !block.IsGenesis() {
				return fmt.Errorf("block %d: tx %s: %w: allocation outside of genesis", block.Index, tx.ID, database.ErrInvalidTransaction)
			}
			if err := tx.Validate(); err != nil {
				return fmt.Errorf("block %d: tx %s: %w", block.Index, tx.ID, err)
			}

			credit, ok := database.Sum(balances[tx.To], tx.Amount)
			if !ok {
				return fmt.Errorf("block %d: tx %s: %w: allocation overflows balance", block.Index, tx.ID, database.ErrInvalidTransaction)
			}

			balances[tx.To] = credit
			continue
		}

		if err := validate(balances, fee, tx); err != nil {
			return fmt.Errorf("block %d: tx %s: %w", block.Index, tx.ID, err)
		}

		transfer(balances, fee, tx)
	}

	return nil
}

// validate performs the accounting checks for a transfer.
func validate(balances map[string]database.Amount, fee database.Amount, tx database.Tx) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	if tx.IsAllocation() {
		return fmt.Errorf("%w: missing sender", database.ErrInvalidTransaction)
	}

	need, ok := database.Sum(tx.Amount, fee)
	if !ok {
		return fmt.Errorf("%w: amount %s plus fee overflows", database.ErrInvalidTransaction, tx.Amount)
	}

	if bal := balances[tx.From]; bal < need {
		return fmt.Errorf("%w: account %s, bal %s, needed %s", database.ErrInsufficientFunds, tx.From, bal, need)
	}

	if _, ok := database.Sum(balances[tx.To], tx.Amount); !ok {
		return fmt.Errorf("%w: credit overflows account %s", database.ErrInvalidTransaction, tx.To)
	}

	if _, ok := database.Sum(balances[MinerAccount], fee); !ok {
		return fmt.Errorf("%w: fee overflows account %s", database.ErrInvalidTransaction, MinerAccount)
	}

	return nil
}

// transfer updates the balances for a validated transfer.
func transfer(balances map[string]database.Amount, fee database.Amount, tx database.Tx) {
	balances[tx.From] -= tx.Amount + fee
	balances[tx.To] += tx.Amount
	balances[MinerAccount] += fee
}

// copyBalances makes a copy of the balances map.
func copyBalances(balances map[string]database.Amount) map[string]database.Amount {
	cpy := make(map[string]database.Amount, len(balances))
	for account, balance := range balances {
		cpy[account] = balance
	}

	return cpy
}
