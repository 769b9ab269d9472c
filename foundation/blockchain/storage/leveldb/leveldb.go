// Package leveldb implements the ability to read and write blocks to a
// leveldb key value store.
package leveldb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelDB stores blocks keyed by the big endian encoding of their index.
// This implements the database.Storage interface.
type LevelDB struct {
	db *leveldb.DB
}

// New opens or creates the store at the specified path.
func New(dbPath string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}

	return &LevelDB{db: db}, nil
}

// NewInMemory opens a store that never touches the disk.
func NewInMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}

	return &LevelDB{db: db}, nil
}

// Close releases the store.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

// Write stores the block under its index.
func (l *LevelDB) Write(block database.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}

	return l.db.Put(key(block.Index), data, &opt.WriteOptions{Sync: true})
}

// GetBlock returns the block stored under the index.
func (l *LevelDB) GetBlock(index uint64) (database.Block, error) {
	data, err := l.db.Get(key(index), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return database.Block{}, fmt.Errorf("block %d: %w", index, database.ErrNotFound)
		}
		return database.Block{}, err
	}

	var block database.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return database.Block{}, fmt.Errorf("decoding block %d: %w", index, err)
	}

	return block, nil
}

// ForEach returns an iterator to walk through all the blocks
// starting with genesis.
func (l *LevelDB) ForEach() database.Iterator {
	return database.NewIterator(l.GetBlock)
}

// Reset removes every block.
func (l *LevelDB) Reset() error {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}

	return l.db.Write(batch, &opt.WriteOptions{Sync: true})
}

// key encodes the index so keys sort in chain order.
func key(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}
