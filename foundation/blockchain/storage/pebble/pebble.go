// Package pebble implements the ability to read and write blocks to a
// pebble key value store.
package pebble

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
)

// ErrDBClosed is returned when the store is used after Close.
var ErrDBClosed = errors.New("database is closed")

// Pebble stores blocks keyed by the big endian encoding of their index.
// This implements the database.Storage interface.
type Pebble struct {
	mu sync.RWMutex
	db *pebble.DB
}

// New opens or creates the store at the specified path.
func New(dbPath string) (*Pebble, error) {
	return open(dbPath, &pebble.Options{})
}

// NewInMemory opens a store that never touches the disk.
func NewInMemory() (*Pebble, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dbPath string, opts *pebble.Options) (*Pebble, error) {
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("opening pebble: %w", err)
	}

	return &Pebble{db: db}, nil
}

// Close releases the store.
func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}

	err := p.db.Close()
	p.db = nil

	return err
}

// Write stores the block under its index.
func (p *Pebble) Write(block database.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return ErrDBClosed
	}

	return p.db.Set(key(block.Index), data, pebble.Sync)
}

// GetBlock returns the block stored under the index.
func (p *Pebble) GetBlock(index uint64) (database.Block, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return database.Block{}, ErrDBClosed
	}

	data, closer, err := p.db.Get(key(index))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return database.Block{}, fmt.Errorf("block %d: %w", index, database.ErrNotFound)
		}
		return database.Block{}, err
	}
	defer closer.Close()

	var block database.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return database.Block{}, fmt.Errorf("decoding block %d: %w", index, err)
	}

	return block, nil
}

// ForEach returns an iterator to walk through all the blocks
// starting with genesis.
func (p *Pebble) ForEach() database.Iterator {
	return database.NewIterator(p.GetBlock)
}

// Reset removes every block.
func (p *Pebble) Reset() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return ErrDBClosed
	}

	// The upper bound of a range delete is exclusive so the last possible
	// index is removed on its own.
	if err := p.db.DeleteRange(key(0), key(math.MaxUint64), pebble.Sync); err != nil {
		return err
	}

	return p.db.Delete(key(math.MaxUint64), pebble.Sync)
}

// key encodes the index so keys sort in chain order.
func key(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}
