package database

import (
	"fmt"
	"time"
)

// Block represents a group of transactions batched together and linked to
// the previous block by hash.
type Block struct {
	Index        uint64 `json:"index"`
	Timestamp    int64  `json:"timestamp"`
	Transactions []Tx   `json:"transactions"`
	PreviousHash string `json:"previousHash"`
	Hash         string `json:"hash"`
	Nonce        uint64 `json:"nonce"`
	Finalized    bool   `json:"finalized,omitempty"`
}

// NewBlock constructs the block that follows prev with the specified
// transactions. The hash is computed and stored.
func NewBlock(prev Block, txs []Tx, nonce uint64) Block {
	b := Block{
		Index:        prev.Index + 1,
		Timestamp:    time.Now().UTC().UnixMilli(),
		Transactions: txs,
		PreviousHash: prev.Hash,
		Nonce:        nonce,
	}
	b.Hash = CalculateHash(b)

	return b
}

// CreateGenesisBlock constructs block zero. Any allocations are recorded as
// transactions with no sender. The timestamp is a parameter so every node
// can construct the same genesis block.
func CreateGenesisBlock(allocations []Tx, timestamp time.Time) Block {
	txs := make([]Tx, 0, len(allocations))
	for _, tx := range allocations {
		tx.From = ""
		txs = append(txs, tx.Identify())
	}

	b := Block{
		Index:        0,
		Timestamp:    timestamp.UTC().UnixMilli(),
		Transactions: txs,
		PreviousHash: GenesisPrevHash,
		Finalized:    true,
	}
	b.Hash = CalculateHash(b)

	return b
}

// CalculateHash returns the content hash of the block. The stored Hash and
// Finalized fields are not part of the content.
func CalculateHash(b Block) string {
	txs := b.Transactions
	if txs == nil {
		txs = []Tx{}
	}

	return Hash(struct {
		Index        uint64 `json:"index"`
		PreviousHash string `json:"previousHash"`
		Timestamp    int64  `json:"timestamp"`
		Transactions []Tx   `json:"transactions"`
		Nonce        uint64 `json:"nonce"`
	}{
		Index:        b.Index,
		PreviousHash: b.PreviousHash,
		Timestamp:    b.Timestamp,
		Transactions: txs,
		Nonce:        b.Nonce,
	})
}

// IsGenesis reports whether this is block zero.
func (b Block) IsGenesis() bool {
	return b.Index == 0 && b.PreviousHash == GenesisPrevHash
}

// ValidateNext checks the block can be appended after prev.
func ValidateNext(prev Block, b Block) error {
	if b.Index != prev.Index+1 {
		return fmt.Errorf("%w: block %d is not the next number, exp %d", ErrChainLinkBroken, b.Index, prev.Index+1)
	}

	if exp := CalculateHash(prev); b.PreviousHash != exp {
		return fmt.Errorf("%w: block %d previous hash %s doesn't match parent %s", ErrChainLinkBroken, b.Index, b.PreviousHash, exp)
	}

	if exp := CalculateHash(b); b.Hash != exp {
		return fmt.Errorf("%w: block %d hash %s doesn't match content %s", ErrChainLinkBroken, b.Index, b.Hash, exp)
	}

	return nil
}
