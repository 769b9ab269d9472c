package state

import (
	"errors"
	"fmt"

	"github.com/seagullcoin/blockchain/foundation/blockchain/accounts"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/metrics"
)

// ErrChainNotLonger is returned when a candidate chain is not longer than
// the local chain.
var ErrChainNotLonger = errors.New("chain is not longer than the local chain")

// ReplaceChain resolves a fork by adopting the candidate chain when it is
// strictly longer than the local one, starts from the same genesis, links
// correctly and replays cleanly. Otherwise nothing changes.
func (s *State) ReplaceChain(blocks []database.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(blocks) <= len(s.blocks) {
		return ErrChainNotLonger
	}

	if blocks[0].Hash != s.blocks[0].Hash || blocks[0].Hash != database.CalculateHash(blocks[0]) {
		return fmt.Errorf("%w: candidate chain has a different genesis", database.ErrChainLinkBroken)
	}

	if broken := database.VerifyChain(blocks); len(broken) > 0 {
		return broken[0]
	}

	act := accounts.New(s.accounts.Fee())
	if err := act.InitializeFromBlockchain(blocks); err != nil {
		return fmt.Errorf("replaying candidate chain: %w", err)
	}

	// Nothing has changed up to here. Rewrite storage and swap the chain
	// and balances together.
	chain := make([]database.Block, len(blocks))
	for i, block := range blocks {
		block.Finalized = true
		chain[i] = block
	}

	if err := s.rewriteStorage(chain); err != nil {

		// Put the local chain back so storage matches memory again.
		if rerr := s.rewriteStorage(s.blocks); rerr != nil {
			return errors.Join(err, fmt.Errorf("restoring local chain: %w", rerr))
		}
		return err
	}

	s.accounts.Replace(act)
	s.blocks = chain

	for _, block := range chain {
		s.mempool.DeleteMany(block.Transactions)
	}

	latest := chain[len(chain)-1]
	metrics.ChainHeight.Set(float64(latest.Index))
	metrics.MempoolSize.Set(float64(s.mempool.Count()))
	s.evHandler("state: ReplaceChain: adopted chain of %d blocks: latest[%s]", len(chain), latest.Hash)

	return nil
}

// rewriteStorage replaces the stored chain with the specified blocks.
func (s *State) rewriteStorage(blocks []database.Block) error {
	if err := s.storage.Reset(); err != nil {
		return fmt.Errorf("resetting storage: %w", err)
	}

	for _, block := range blocks {
		if err := s.storage.Write(block); err != nil {
			return fmt.Errorf("writing block %d: %w", block.Index, err)
		}
	}

	return nil
}
