package storage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage/leveldb"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage/pebble"
	"github.com/stretchr/testify/require"
)

func chain(n int) []database.Block {
	blocks := []database.Block{
		database.CreateGenesisBlock(
			[]database.Tx{database.NewAllocationTx("SEAGULL1", database.Coins(1000))},
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		),
	}

	for i := 1; i < n; i++ {
		prev := blocks[len(blocks)-1]
		blocks = append(blocks, database.NewBlock(prev, []database.Tx{
			database.NewTx("SEAGULL1", "BOB", database.Coins(int64(i))),
		}, uint64(i)))
	}

	return blocks
}

func TestBackends(t *testing.T) {
	type table struct {
		name string
		open func(t *testing.T) database.Storage
	}

	tt := []table{
		{
			name: "memory",
			open: func(t *testing.T) database.Storage {
				strg, err := storage.Open(storage.EngineMemory, "")
				require.NoError(t, err)
				return strg
			},
		},
		{
			name: "disk",
			open: func(t *testing.T) database.Storage {
				strg, err := storage.Open(storage.EngineDisk, t.TempDir())
				require.NoError(t, err)
				return strg
			},
		},
		{
			name: "pebble",
			open: func(t *testing.T) database.Storage {
				strg, err := pebble.NewInMemory()
				require.NoError(t, err)
				return strg
			},
		},
		{
			name: "pebble-disk",
			open: func(t *testing.T) database.Storage {
				strg, err := storage.Open(storage.EnginePebble, t.TempDir())
				require.NoError(t, err)
				return strg
			},
		},
		{
			name: "leveldb",
			open: func(t *testing.T) database.Storage {
				strg, err := leveldb.NewInMemory()
				require.NoError(t, err)
				return strg
			},
		},
		{
			name: "leveldb-disk",
			open: func(t *testing.T) database.Storage {
				strg, err := storage.Open(storage.EngineLevelDB, t.TempDir())
				require.NoError(t, err)
				return strg
			},
		},
	}

	for _, tst := range tt {
		f := func(t *testing.T) {
			strg := tst.open(t)
			defer strg.Close()

			blocks, err := database.ReadAll(strg)
			require.NoError(t, err)
			require.Empty(t, blocks)

			exp := chain(5)
			for _, block := range exp {
				require.NoError(t, strg.Write(block))
			}

			got, err := strg.GetBlock(3)
			require.NoError(t, err)
			require.Equal(t, exp[3], got)

			_, err = strg.GetBlock(99)
			require.True(t, errors.Is(err, database.ErrNotFound))

			blocks, err = database.ReadAll(strg)
			require.NoError(t, err)
			require.Equal(t, exp, blocks)
			require.True(t, database.IsChainValid(blocks))

			require.NoError(t, strg.Reset())
			blocks, err = database.ReadAll(strg)
			require.NoError(t, err)
			require.Empty(t, blocks)
		}

		t.Run(tst.name, f)
	}
}

func TestOpenUnknown(t *testing.T) {
	_, err := storage.Open("sqlite", "")
	require.Error(t, err)
}
