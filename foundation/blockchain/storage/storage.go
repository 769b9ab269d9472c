// Package storage selects and opens the block storage backend for a node.
package storage

import (
	"fmt"
	"strings"

	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage/disk"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage/leveldb"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage/memory"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage/pebble"
)

// Set of supported storage engines.
const (
	EngineMemory  = "memory"
	EngineDisk    = "disk"
	EnginePebble  = "pebble"
	EngineLevelDB = "leveldb"
)

// Engines lists the supported storage engines.
var Engines = []string{EngineMemory, EngineDisk, EnginePebble, EngineLevelDB}

// Open constructs the storage for the named engine rooted at dbPath.
func Open(engine string, dbPath string) (database.Storage, error) {
	switch strings.ToLower(engine) {
	case EngineMemory:
		return memory.New()

	case EngineDisk:
		return disk.New(dbPath)

	case EnginePebble:
		return pebble.New(dbPath)

	case EngineLevelDB:
		return leveldb.New(dbPath)
	}

	return nil, fmt.Errorf("unknown storage engine %q, supported %v", engine, Engines)
}
