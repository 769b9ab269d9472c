package state

import (
	"context"
	"errors"
	"net/http"

	"github.com/seagullcoin/blockchain/foundation/blockchain/consensus"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/gossip"
	"github.com/seagullcoin/blockchain/foundation/blockchain/peer"
)

// maxSyncBlocks caps the number of blocks sent in reply to a single sync
// request. A peer that is further behind asks again.
const maxSyncBlocks = 500

// =============================================================================

// NetSendTxToPeers shares a new transaction with the connected peers.
func (s *State) NetSendTxToPeers(tx database.Tx) {
	n := s.gossip.Broadcast(gossip.NewTxMessage(tx))
	s.evHandler("state: NetSendTxToPeers: tx %s: peers[%d]", tx.ID, n)
}

// NetSendBlockToPeers shares a finalized block with the connected peers.
func (s *State) NetSendBlockToPeers(block database.Block) {
	n := s.gossip.Broadcast(gossip.NewBlockMessage(block))
	s.evHandler("state: NetSendBlockToPeers: block %d: peers[%d]", block.Index, n)
}

// NetSendProposalToPeers shares a candidate block with the connected peers.
func (s *State) NetSendProposalToPeers(block database.Block) {
	n := s.gossip.Broadcast(gossip.NewProposeMessage(s.nodeID, block))
	s.evHandler("state: NetSendProposalToPeers: block %d: peers[%d]", block.Index, n)
}

// NetSendVoteToPeers shares this node's vote with the connected peers.
func (s *State) NetSendVoteToPeers(vote consensus.Vote) {
	n := s.gossip.Broadcast(gossip.NewVoteMessage(vote))
	s.evHandler("state: NetSendVoteToPeers: proposal %s: approve[%t]: peers[%d]", vote.ProposalID, vote.Approve, n)
}

// NetRequestSync asks every connected peer for the blocks starting at the
// specified index.
func (s *State) NetRequestSync(from uint64) {
	n := s.gossip.Broadcast(gossip.NewSyncMessage(from))
	s.evHandler("state: NetRequestSync: from[%d]: peers[%d]", from, n)
}

// ConnectKnownPeers makes sure there is a gossip connection to every known
// peer. Hosts that already have a connection are skipped.
func (s *State) ConnectKnownPeers() {
	for _, pr := range s.knownPeers.Copy(s.host) {
		if s.gossip.Connect(pr.Host) {
			s.evHandler("state: ConnectKnownPeers: connecting to %s", pr.Host)
		}
	}
}

// UpgradeGossip turns an inbound request into a gossip connection. It blocks
// until the connection closes.
func (s *State) UpgradeGossip(w http.ResponseWriter, r *http.Request) error {
	return s.gossip.Upgrade(w, r)
}

// GossipPeers returns the state of the gossip connections.
func (s *State) GossipPeers() []gossip.PeerInfo {
	return s.gossip.Peers()
}

// =============================================================================
// These methods implement the gossip.Handler interface.

// Hello returns the status this node greets peers with.
func (s *State) Hello() peer.PeerStatus {
	return s.Status()
}

// HandleMessage applies a message received from a peer. Returning true relays
// the message to the rest of the network.
func (s *State) HandleMessage(ctx context.Context, from gossip.Sender, env gossip.Envelope) bool {
	switch env.Type {
	case gossip.TypeTx:
		added, err := s.UpsertNodeTransaction(*env.Tx)
		if err != nil {
			s.evHandler("state: HandleMessage: TX from %s: %v", from.Host(), err)
			return false
		}
		return added

	case gossip.TypeBlock:
		return s.handleBlock(from, *env.Block)

	case gossip.TypePropose:
		return s.handlePropose(from, env.Proposer, *env.Block)

	case gossip.TypeVote:
		added, err := s.engine.ReceiveVote(*env.Vote)
		if err != nil {
			s.evHandler("state: HandleMessage: VOTE from %s: %v", from.Host(), err)
			return false
		}
		return added

	case gossip.TypeHello:
		s.handleHello(from, *env.Hello)
		return false

	case gossip.TypeSync:
		s.handleSync(from, env.Sync.From)
		return false

	case gossip.TypeChain:
		s.handleChain(from, env.Chain)
		return false
	}

	return false
}

// =============================================================================

// handleBlock appends a block finalized elsewhere when it extends the tip.
// A block further ahead means this node is behind and asks to catch up. It
// isn't relayed since its link can't be checked yet.
func (s *State) handleBlock(from gossip.Sender, block database.Block) bool {
	latest := s.LatestBlock()

	if block.Index > latest.Index+1 {
		s.evHandler("state: handleBlock: block %d is ahead of tip %d, requesting sync from %s", block.Index, latest.Index, from.Host())
		from.Send(gossip.NewSyncMessage(latest.Index + 1))
		return false
	}

	added, err := s.ProcessFinalizedBlock(block)
	if err != nil {
		s.evHandler("viewer: WARNING: block %d from %s dropped: %v", block.Index, from.Host(), err)

		// A block at the next index that doesn't link means the peer may
		// be on another fork. Fork choice needs their whole chain.
		if block.Index == latest.Index+1 && errors.Is(err, database.ErrChainLinkBroken) {
			from.Send(gossip.NewSyncMessage(0))
		}
		return false
	}

	return added
}

// handlePropose registers and votes on a block proposed by a peer.
func (s *State) handlePropose(from gossip.Sender, proposer string, block database.Block) bool {
	if latest := s.LatestBlock(); block.Index > latest.Index+1 {
		s.evHandler("state: handlePropose: proposal %d is ahead of tip %d, requesting sync from %s", block.Index, latest.Index, from.Host())
		from.Send(gossip.NewSyncMessage(latest.Index + 1))
	}

	added, err := s.ProcessProposedBlock(proposer, block)
	if err != nil {
		s.evHandler("state: handlePropose: PROPOSE from %s: %v", from.Host(), err)
		return false
	}

	return added
}

// handleHello learns about new peers and catches up when the peer is ahead.
func (s *State) handleHello(from gossip.Sender, status peer.PeerStatus) {
	s.evHandler("state: handleHello: node[%s]: host[%s]: latest-blknum[%d]: peers[%d]", status.NodeID, status.Host, status.LatestBlockNumber, len(status.KnownPeers))

	hosts := make([]peer.Peer, 0, len(status.KnownPeers)+1)
	hosts = append(hosts, peer.New(status.Host))
	hosts = append(hosts, status.KnownPeers...)

	for _, pr := range hosts {
		if pr.Match(s.host) {
			continue
		}
		if s.knownPeers.Add(pr) {
			s.evHandler("state: handleHello: adding peer-node %s", pr.Host)
		}
	}
	s.ConnectKnownPeers()

	if latest := s.LatestBlock(); status.LatestBlockNumber > latest.Index {
		from.Send(gossip.NewSyncMessage(latest.Index + 1))
	}
}

// handleSync replies with the blocks the peer asked for.
func (s *State) handleSync(from gossip.Sender, start uint64) {
	latest := s.LatestBlock()
	if start > latest.Index {
		return
	}

	end := latest.Index
	if end-start >= maxSyncBlocks {
		end = start + maxSyncBlocks - 1
	}

	blocks := s.BlocksByNumber(start, end)
	from.Send(gossip.NewChainMessage(blocks))

	s.evHandler("state: handleSync: sent blocks[%d-%d] to %s", start, end, from.Host())
}

// handleChain applies blocks received in reply to a sync request. Blocks that
// extend the tip are appended in order. A full chain from genesis goes
// through fork choice.
func (s *State) handleChain(from gossip.Sender, blocks []database.Block) {
	if len(blocks) == 0 {
		return
	}

	if blocks[0].Index == 0 {
		switch err := s.ReplaceChain(blocks); {
		case err == nil:
			s.evHandler("viewer: chain: replaced with %d blocks from %s", len(blocks), from.Host())
		case errors.Is(err, ErrChainNotLonger):
		default:
			s.evHandler("viewer: WARNING: chain from %s rejected: %v", from.Host(), err)
		}
		return
	}

	for i, block := range blocks {
		if _, err := s.ProcessFinalizedBlock(block); err != nil {
			s.evHandler("state: handleChain: block %d from %s: %v", block.Index, from.Host(), err)

			// The peer's history doesn't link to ours. Ask for all of it.
			if i == 0 && errors.Is(err, database.ErrChainLinkBroken) {
				from.Send(gossip.NewSyncMessage(0))
			}
			return
		}
	}

	// The reply was capped, keep asking.
	if len(blocks) == maxSyncBlocks {
		from.Send(gossip.NewSyncMessage(s.LatestBlock().Index + 1))
	}
}
