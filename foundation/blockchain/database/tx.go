package database

import (
	"fmt"

	"github.com/google/uuid"
)

// Tx is the transfer of an amount between two accounts. The fee is not part
// of the transaction, it's the fixed fee of the chain.
type Tx struct {
	ID     string `json:"id,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to" validate:"required"`
	Amount Amount `json:"amount" validate:"required"`
}

// NewTx constructs a transaction with a unique id.
func NewTx(from string, to string, amount Amount) Tx {
	return Tx{
		ID:     uuid.NewString(),
		From:   from,
		To:     to,
		Amount: amount,
	}
}

// NewAllocationTx constructs a transaction with no sender. These are only
// accepted inside the genesis block.
func NewAllocationTx(to string, amount Amount) Tx {
	tx := Tx{
		To:     to,
		Amount: amount,
	}

	return tx.Identify()
}

// Identify makes sure the transaction carries an id. Peers that send a
// transaction without one get a content derived id so every node agrees on
// the same value.
func (tx Tx) Identify() Tx {
	if tx.ID != "" {
		return tx
	}

	tx.ID = Hash(struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount Amount `json:"amount"`
	}{
		From:   tx.From,
		To:     tx.To,
		Amount: tx.Amount,
	})

	return tx
}

// IsAllocation reports whether this transaction mints coins from nothing.
func (tx Tx) IsAllocation() bool {
	return tx.From == ""
}

// Validate checks the shape of the transaction. Balances are not consulted.
func (tx Tx) Validate() error {
	if tx.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidTransaction, tx.Amount)
	}

	if tx.To == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidTransaction)
	}

	return nil
}

// String implements the fmt.Stringer interface for logging.
func (tx Tx) String() string {
	from := tx.From
	if from == "" {
		from = "<alloc>"
	}

	return fmt.Sprintf("%s:%s->%s:%s", tx.ID, from, tx.To, tx.Amount)
}
