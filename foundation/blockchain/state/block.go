package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/seagullcoin/blockchain/foundation/blockchain/accounts"
	"github.com/seagullcoin/blockchain/foundation/blockchain/consensus"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/metrics"
)

// ErrNoTransactions is returned when a block is requested to be created
// and there are not enough transactions.
var ErrNoTransactions = errors.New("no transactions in mempool")

// =============================================================================

// ProposeBlock builds a candidate block from the mempool and asks the network
// to agree on it. This node's approving vote is cast and broadcast with it.
// The round is recorded as the block nonce.
func (s *State) ProposeBlock(ctx context.Context, round uint64) (database.Block, error) {
	if !s.engine.IsValidator() {
		return database.Block{}, consensus.ErrNotValidator
	}

	if s.mempool.Count() == 0 {
		return database.Block{}, ErrNoTransactions
	}

	// Pick the oldest transactions from the mempool and drop the ones the
	// sender can no longer afford.
	trans := s.mempool.PickBest(s.genesis.TransPerBlock)
	work := accounts.NewFromBalances(s.accounts.Fee(), s.accounts.Copy())

	txs := make([]database.Tx, 0, len(trans))
	for _, tx := range trans {
		if err := work.ApplyTransaction(tx); err != nil {
			s.evHandler("state: ProposeBlock: dropping tx %s: %v", tx, err)
			s.mempool.Delete(tx)
			continue
		}
		txs = append(txs, tx)
	}

	if len(txs) == 0 {
		return database.Block{}, ErrNoTransactions
	}

	// Just check one more time we were not cancelled.
	if err := ctx.Err(); err != nil {
		return database.Block{}, err
	}

	block := database.NewBlock(s.LatestBlock(), txs, round)

	proposal, err := consensus.NewProposal(block.Hash, block.Index, s.nodeID, block)
	if err != nil {
		return database.Block{}, err
	}

	s.evHandler("viewer: proposal: block %d: %s: txs[%d]", block.Index, block.Hash, len(block.Transactions))

	// Peers need the proposal before our vote, so it goes out first.
	s.NetSendProposalToPeers(block)

	if err := s.engine.Propose(proposal); err != nil {
		return database.Block{}, fmt.Errorf("proposing block %d: %w", block.Index, err)
	}

	return block, nil
}

// ProcessProposedBlock registers a block proposed by a peer and casts this
// node's vote on it. The returned bool reports whether the proposal was new.
func (s *State) ProcessProposedBlock(proposer string, block database.Block) (bool, error) {
	if _, exists := s.engine.Validators().Get(proposer); !exists {
		return false, fmt.Errorf("%w: proposer %s is not a validator", consensus.ErrInvalidProposal, proposer)
	}

	if exp := database.CalculateHash(block); block.Hash != exp {
		return false, fmt.Errorf("%w: proposed block %d hash %s doesn't match content %s", database.ErrChainLinkBroken, block.Index, block.Hash, exp)
	}

	proposal, err := consensus.NewProposal(block.Hash, block.Index, proposer, block)
	if err != nil {
		return false, err
	}

	switch err := s.engine.Register(proposal); {
	case errors.Is(err, consensus.ErrDuplicateProposal), errors.Is(err, consensus.ErrProposalDecided):
		return false, nil
	case err != nil:
		return false, err
	}

	s.evHandler("viewer: proposal: block %d from %s: %s", block.Index, proposer, block.Hash)

	if !s.engine.IsValidator() {
		return true, nil
	}

	approve := true
	if err := s.validateCandidate(block); err != nil {
		s.evHandler("state: ProcessProposedBlock: voting against block %d: %v", block.Index, err)
		approve = false
	}

	if _, err := s.engine.CastVote(proposal.ID, approve); err != nil && !errors.Is(err, consensus.ErrProposalDecided) {
		return true, err
	}

	return true, nil
}

// ProcessFinalizedBlock takes a block finalized by the network and appends it
// to the local chain. The returned bool reports whether the block was new.
func (s *State) ProcessFinalizedBlock(block database.Block) (bool, error) {
	return s.commitBlock(block)
}

// =============================================================================

// validateCandidate checks the block extends the tip and every transaction
// can be applied.
func (s *State) validateCandidate(block database.Block) error {
	if err := database.ValidateNext(s.LatestBlock(), block); err != nil {
		return err
	}

	return s.accounts.SimulateBlock(block)
}

// finalizeProposal is called by the engine once a proposal reaches quorum.
func (s *State) finalizeProposal(p consensus.Proposal) {
	block, err := decodeBlock(p)
	if err != nil {
		s.evHandler("state: finalizeProposal: ERROR: %v", err)
		return
	}

	if _, err := s.commitBlock(block); err != nil {
		s.evHandler("state: finalizeProposal: WARNING: block %d: %v", block.Index, err)
		s.NetRequestSync(s.LatestBlock().Index + 1)
	}
}

// rejectProposal is called by the engine when a proposal can't reach quorum.
// The transactions stay in the mempool for the next proposal.
func (s *State) rejectProposal(p consensus.Proposal) {
	metrics.ProposalsRejected.Inc()
	s.evHandler("viewer: proposal: block %d rejected: %s", p.Height, p.ID)
}

// commitBlock validates the block against the tip, stores it, applies it to
// the balances and appends it to the chain. Committing a block already in
// the chain does nothing.
func (s *State) commitBlock(block database.Block) (bool, error) {
	s.mu.Lock()

	latest := s.blocks[len(s.blocks)-1]

	if block.Index <= latest.Index {
		existing := s.blocks[block.Index]
		s.mu.Unlock()

		if existing.Hash == block.Hash {
			return false, nil
		}
		return false, fmt.Errorf("%w: block %d %s conflicts with local block %s", database.ErrChainLinkBroken, block.Index, block.Hash, existing.Hash)
	}

	if err := database.ValidateNext(latest, block); err != nil {
		s.mu.Unlock()
		return false, err
	}

	if err := s.accounts.SimulateBlock(block); err != nil {
		s.mu.Unlock()
		return false, err
	}

	block.Finalized = true

	if err := s.storage.Write(block); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("writing block %d: %w", block.Index, err)
	}

	if err := s.accounts.ApplyBlock(block); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("applying block %d: %w", block.Index, err)
	}

	s.blocks = append(s.blocks, block)
	s.mu.Unlock()

	s.mempool.DeleteMany(block.Transactions)

	metrics.BlocksFinalized.Inc()
	metrics.ChainHeight.Set(float64(block.Index))
	metrics.MempoolSize.Set(float64(s.mempool.Count()))

	s.evHandler("viewer: block: %d finalized: %s: txs[%d]", block.Index, block.Hash, len(block.Transactions))

	s.NetSendBlockToPeers(block)

	return true, nil
}
