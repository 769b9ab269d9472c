package database

import (
	"errors"
	"fmt"
)

// Storage interface represents the behavior required to be implemented by any
// package providing support for storing and reading the blockchain.
type Storage interface {
	Write(block Block) error
	GetBlock(index uint64) (Block, error)
	ForEach() Iterator
	Close() error
	Reset() error
}

// Iterator interface represents the behavior required to be implemented by any
// package providing support to iterate over the blocks.
type Iterator interface {
	Next() (Block, error)
	Done() bool
}

// ReadAll walks the storage from genesis and returns every block in order.
func ReadAll(strg Storage) ([]Block, error) {
	var blocks []Block

	iter := strg.ForEach()
	for block, err := iter.Next(); !iter.Done(); block, err = iter.Next() {
		if err != nil {
			return nil, fmt.Errorf("reading block %d: %w", len(blocks), err)
		}
		blocks = append(blocks, block)
	}

	return blocks, nil
}

// NewIterator returns an iterator that walks blocks by index starting with
// genesis. The walk ends when get reports ErrNotFound. Any other error is
// returned from Next and ends the walk on the following call.
func NewIterator(get func(index uint64) (Block, error)) Iterator {
	return &indexIterator{get: get}
}

// indexIterator represents the iteration implementation for walking
// through blocks by index.
type indexIterator struct {
	get     func(index uint64) (Block, error)
	current uint64 // Current block number being iterated over.
	eoc     bool   // Represents the iterator is at the end of the chain.
	failed  bool
}

// Next retrieves the next block.
func (it *indexIterator) Next() (Block, error) {
	if it.eoc || it.failed {
		it.eoc = true
		return Block{}, ErrNotFound
	}

	block, err := it.get(it.current)
	switch {
	case errors.Is(err, ErrNotFound):
		it.eoc = true
	case err != nil:
		it.failed = true
	}

	it.current++

	return block, err
}

// Done returns the end of chain value.
func (it *indexIterator) Done() bool {
	return it.eoc
}
