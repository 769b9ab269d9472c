// Package state is the core API for the blockchain and implements all the
// business rules and processing.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seagullcoin/blockchain/foundation/blockchain/accounts"
	"github.com/seagullcoin/blockchain/foundation/blockchain/consensus"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/genesis"
	"github.com/seagullcoin/blockchain/foundation/blockchain/gossip"
	"github.com/seagullcoin/blockchain/foundation/blockchain/mempool"
	"github.com/seagullcoin/blockchain/foundation/blockchain/peer"
	"github.com/seagullcoin/blockchain/foundation/metrics"
)

// EventHandler defines a function that is called when events
// occur in the processing of persisting blocks.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for block proposals, proposal expiry, and
// transaction sharing.
type Worker interface {
	Shutdown()
	SignalShareTx(tx database.Tx)
}

// =============================================================================

// GossipConfig represents the settings for the gossip connections.
type GossipConfig struct {
	DialTimeout   time.Duration
	RetryDelay    time.Duration
	SeenCacheSize int
}

// Config represents the configuration required to start
// the blockchain node.
type Config struct {
	NodeID     string
	Host       string
	Genesis    genesis.Genesis
	Storage    database.Storage
	KnownPeers *peer.PeerSet
	Gossip     GossipConfig
	EvHandler  EventHandler
}

// State manages the blockchain database.
type State struct {
	nodeID    string
	host      string
	evHandler EventHandler

	mu     sync.RWMutex
	blocks []database.Block

	knownPeers *peer.PeerSet
	genesis    genesis.Genesis
	storage    database.Storage
	mempool    *mempool.Mempool
	accounts   *accounts.Accounts
	engine     *consensus.Engine
	gossip     *gossip.Transport

	Worker Worker
}

// New constructs a new blockchain for data management.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}

	knownPeers := cfg.KnownPeers
	if knownPeers == nil {
		knownPeers = peer.NewPeerSet()
	}

	// Load all existing blocks from storage into memory for processing.
	blocks, err := database.ReadAll(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("reading blocks: %w", err)
	}

	// A new node starts its chain with the genesis block.
	genesisBlock := cfg.Genesis.Block()
	if len(blocks) == 0 {
		if err := cfg.Storage.Write(genesisBlock); err != nil {
			return nil, fmt.Errorf("writing genesis: %w", err)
		}
		blocks = []database.Block{genesisBlock}
		ev("state: New: wrote genesis block: %s", genesisBlock.Hash)
	}

	if blocks[0].Hash != genesisBlock.Hash {
		return nil, fmt.Errorf("stored genesis %s doesn't match genesis file %s", blocks[0].Hash, genesisBlock.Hash)
	}

	if broken := database.VerifyChain(blocks); len(broken) > 0 {
		return nil, fmt.Errorf("stored chain is invalid: %w", broken[0])
	}

	// Replay the chain to rebuild the balances.
	act := accounts.New(cfg.Genesis.Fee)
	if err := act.InitializeFromBlockchain(blocks); err != nil {
		return nil, fmt.Errorf("replaying chain: %w", err)
	}

	s := State{
		nodeID:     cfg.NodeID,
		host:       cfg.Host,
		evHandler:  ev,
		blocks:     blocks,
		knownPeers: knownPeers,
		genesis:    cfg.Genesis,
		storage:    cfg.Storage,
		mempool:    mempool.New(),
		accounts:   act,
	}

	engine, err := consensus.New(consensus.Config{
		Self:       cfg.NodeID,
		Validators: cfg.Genesis.Validators,
		Threshold:  cfg.Genesis.Quorum,
		Timeout:    cfg.Genesis.ProposalTimeout(),
		Broadcast:  s.NetSendVoteToPeers,
		OnFinalize: s.finalizeProposal,
		OnReject:   s.rejectProposal,
		EvHandler:  consensus.EventHandler(ev),
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine

	transport, err := gossip.New(gossip.Config{
		Host:          cfg.Host,
		Handler:       &s,
		DialTimeout:   cfg.Gossip.DialTimeout,
		RetryDelay:    cfg.Gossip.RetryDelay,
		SeenCacheSize: cfg.Gossip.SeenCacheSize,
		EvHandler:     gossip.EventHandler(ev),
	})
	if err != nil {
		return nil, err
	}
	s.gossip = transport

	latest := blocks[len(blocks)-1]
	metrics.ChainHeight.Set(float64(latest.Index))
	ev("state: New: node[%s]: blocks[%d]: latest[%s]: validator[%t]", cfg.NodeID, len(blocks), latest.Hash, engine.IsValidator())

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the node.

	return &s, nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	// Stop all blockchain writing activity.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	// Close every peer connection.
	s.gossip.Shutdown()

	// Make sure the database is properly closed.
	return s.storage.Close()
}

// =============================================================================

// decodeBlock extracts the candidate block carried by a proposal.
func decodeBlock(p consensus.Proposal) (database.Block, error) {
	var block database.Block
	if err := json.Unmarshal(p.Payload, &block); err != nil {
		return database.Block{}, fmt.Errorf("decoding proposal %s: %w", p.ID, err)
	}

	return block, nil
}
