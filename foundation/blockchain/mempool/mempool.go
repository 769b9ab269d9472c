// Package mempool maintains the pool of pending transactions waiting to be
// placed into a block.
package mempool

import (
	"sort"
	"sync"

	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
)

// entry records a transaction and the order it arrived in.
type entry struct {
	tx  database.Tx
	seq uint64
}

// Mempool represents a cache of transactions organized by transaction id.
// Transactions are handed out in the order they arrived.
type Mempool struct {
	pool map[string]entry
	seq  uint64
	mu   sync.RWMutex
}

// New constructs a new mempool.
func New() *Mempool {
	return &Mempool{
		pool: make(map[string]entry),
	}
}

// Count returns the current number of transaction in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// Exists reports whether the transaction is already in the pool.
func (mp *Mempool) Exists(id string) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	_, exists := mp.pool[id]
	return exists
}

// Upsert adds a transaction to the mempool. A transaction that is already
// in the pool keeps its original position. The returned bool reports whether
// the transaction was new.
func (mp *Mempool) Upsert(tx database.Tx) (int, bool) {
	tx = tx.Identify()

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.pool[tx.ID]; exists {
		return len(mp.pool), false
	}

	mp.seq++
	mp.pool[tx.ID] = entry{tx: tx, seq: mp.seq}

	return len(mp.pool), true
}

// Delete removes a transaction from the mempool.
func (mp *Mempool) Delete(tx database.Tx) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	delete(mp.pool, tx.ID)
}

// DeleteMany removes the set of transactions from the mempool. This is used
// once a block holding them is finalized.
func (mp *Mempool) DeleteMany(txs []database.Tx) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range txs {
		delete(mp.pool, tx.ID)
	}
}

// Copy returns every transaction in arrival order.
func (mp *Mempool) Copy() []database.Tx {
	return mp.PickBest(-1)
}

// PickBest returns the next howMany transactions in arrival order. Passing
// -1 returns all of them.
func (mp *Mempool) PickBest(howMany int) []database.Tx {
	mp.mu.RLock()
	entries := make([]entry, 0, len(mp.pool))
	for _, e := range mp.pool {
		entries = append(entries, e)
	}
	mp.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	if howMany < 0 || howMany > len(entries) {
		howMany = len(entries)
	}

	txs := make([]database.Tx, howMany)
	for i := range txs {
		txs[i] = entries[i].tx
	}

	return txs
}

// PendingSpend returns the total amount plus fees the account has waiting
// in the pool.
func (mp *Mempool) PendingSpend(account string, fee database.Amount) database.Amount {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	var total database.Amount
	for _, e := range mp.pool {
		if e.tx.From == account {
			total += e.tx.Amount + fee
		}
	}

	return total
}
