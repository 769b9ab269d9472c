package state

import (
	"github.com/seagullcoin/blockchain/foundation/blockchain/consensus"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/genesis"
	"github.com/seagullcoin/blockchain/foundation/blockchain/peer"
)

// QueryLatest represents to query the latest block in the chain.
const QueryLatest = ^uint64(0) >> 1

// =============================================================================

// NodeID returns the identity of this node.
func (s *State) NodeID() string {
	return s.nodeID
}

// Host returns the private host of this node.
func (s *State) Host() string {
	return s.host
}

// Genesis returns a copy of the genesis information.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// IsValidator reports whether this node votes on proposals.
func (s *State) IsValidator() bool {
	return s.engine.IsValidator()
}

// Validators returns the ids of the validators in sorted order.
func (s *State) Validators() []string {
	return s.engine.Validators().IDs()
}

// Balance returns the balance of the account.
func (s *State) Balance(account string) database.Amount {
	return s.accounts.Balance(account)
}

// Accounts returns a copy of every balance.
func (s *State) Accounts() map[string]database.Amount {
	return s.accounts.Copy()
}

// LatestBlock returns the tip of the chain.
func (s *State) LatestBlock() database.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.blocks[len(s.blocks)-1]
}

// Blocks returns a copy of the chain.
func (s *State) Blocks() []database.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocks := make([]database.Block, len(s.blocks))
	copy(blocks, s.blocks)
	return blocks
}

// BlocksByNumber returns the set of blocks based on block numbers.
func (s *State) BlocksByNumber(from uint64, to uint64) []database.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := uint64(len(s.blocks) - 1)
	if from == QueryLatest {
		from = latest
		to = from
	}
	if to == QueryLatest || to > latest {
		to = latest
	}
	if from > to {
		return nil
	}

	out := make([]database.Block, 0, to-from+1)
	out = append(out, s.blocks[from:to+1]...)
	return out
}

// Mempool returns a copy of the pending transactions in arrival order.
func (s *State) Mempool() []database.Tx {
	return s.mempool.Copy()
}

// MempoolLength returns the current length of the mempool.
func (s *State) MempoolLength() int {
	return s.mempool.Count()
}

// Proposals returns the live and recently decided proposals.
func (s *State) Proposals() []consensus.Summary {
	return s.engine.Proposals()
}

// KnownPeers returns the peers this node knows about, excluding itself.
func (s *State) KnownPeers() []peer.Peer {
	return s.knownPeers.Copy(s.host)
}

// AddKnownPeer adds the peer to the set of known peers.
func (s *State) AddKnownPeer(pr peer.Peer) bool {
	if pr.Match(s.host) {
		return false
	}
	return s.knownPeers.Add(pr)
}

// Status returns the status this node reports to peers.
func (s *State) Status() peer.PeerStatus {
	latest := s.LatestBlock()

	return peer.PeerStatus{
		NodeID:            s.nodeID,
		Host:              s.host,
		LatestBlockHash:   latest.Hash,
		LatestBlockNumber: latest.Index,
		KnownPeers:        s.KnownPeers(),
	}
}

// VerifyChain audits the chain held in storage and returns every broken link.
func (s *State) VerifyChain() ([]database.LinkError, int, error) {
	blocks, err := database.ReadAll(s.storage)
	if err != nil {
		return nil, 0, err
	}

	return database.VerifyChain(blocks), len(blocks), nil
}
