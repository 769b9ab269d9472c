package state

import (
	"fmt"

	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/metrics"
)

// SubmitTransaction accepts a transaction from a client for inclusion. The
// transaction is shared with the network once it's in the mempool.
func (s *State) SubmitTransaction(tx database.Tx) (database.Tx, error) {
	tx, added, err := s.upsertTransaction(tx)
	if err != nil {
		return database.Tx{}, err
	}

	if added {
		switch {
		case s.Worker != nil:
			s.Worker.SignalShareTx(tx)
		default:
			s.NetSendTxToPeers(tx)
		}
	}

	return tx, nil
}

// UpsertNodeTransaction accepts a transaction from a peer for inclusion. The
// returned bool reports whether the transaction was new to this node.
func (s *State) UpsertNodeTransaction(tx database.Tx) (bool, error) {
	_, added, err := s.upsertTransaction(tx)
	return added, err
}

// =============================================================================

// upsertTransaction validates the transaction and adds it to the mempool.
func (s *State) upsertTransaction(tx database.Tx) (database.Tx, bool, error) {
	tx = tx.Identify()

	if err := s.validateTransaction(tx); err != nil {
		return database.Tx{}, false, err
	}

	n, added := s.mempool.Upsert(tx)
	metrics.MempoolSize.Set(float64(n))

	if added {
		s.evHandler("viewer: mempool: added tx %s", tx)
	}

	return tx, added, nil
}

// validateTransaction checks the transaction shape and that the sender can
// afford it on top of everything it already has waiting in the mempool.
func (s *State) validateTransaction(tx database.Tx) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	if tx.IsAllocation() {
		return fmt.Errorf("%w: missing sender", database.ErrInvalidTransaction)
	}

	if s.mempool.Exists(tx.ID) {
		return nil
	}

	fee := s.accounts.Fee()
	balance := s.accounts.Balance(tx.From)
	pending := s.mempool.PendingSpend(tx.From, fee)

	need, ok := database.Sum(pending, tx.Amount, fee)
	if !ok {
		return fmt.Errorf("%w: amount %s plus fee overflows", database.ErrInvalidTransaction, tx.Amount)
	}

	if balance < need {
		return fmt.Errorf("%w: account %s, bal %s, pending %s, needed %s", database.ErrInsufficientFunds, tx.From, balance, pending, need-pending)
	}

	return nil
}
