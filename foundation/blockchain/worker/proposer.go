package worker

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"time"

	"github.com/seagullcoin/blockchain/foundation/blockchain/state"
)

// CORE NOTE: The proposer is selected by every node independently. At the
// beginning of each cycle the selection algorithm hashes the latest block
// hash together with the round number and uses it to pick one validator. The
// round counts the cycles since the latest block changed so a proposer that
// is offline only costs the network a single cycle.

// proposerOperations handles block proposals on a fixed cycle.
func (w *Worker) proposerOperations() {
	w.evHandler("worker: proposerOperations: G started")
	defer w.evHandler("worker: proposerOperations: G completed")

	ticker := time.NewTicker(w.blockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !w.isShutdown() {
				w.runProposerOperation()
			}
		case <-w.shut:
			w.evHandler("worker: proposerOperations: received shut signal")
			return
		}
	}
}

// runProposerOperation proposes a block if this node is selected for the
// current round. A cycle that is still running when the next one starts
// causes the new one to be skipped.
func (w *Worker) runProposerOperation() {
	if !w.proposing.CompareAndSwap(false, true) {
		w.evHandler("worker: runProposerOperation: previous cycle still running")
		return
	}
	defer w.proposing.Store(false)

	round := w.nextRound()

	selected := w.selection(round)
	w.evHandler("worker: runProposerOperation: round[%d]: SELECTED: %s", round, selected)

	// If we are not selected, return and wait for the next cycle.
	if selected != w.state.NodeID() {
		return
	}

	block, err := w.state.ProposeBlock(w.ctx, round)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrNoTransactions):
			w.evHandler("worker: runProposerOperation: no transactions to propose")
		case w.ctx.Err() != nil:
			w.evHandler("worker: runProposerOperation: CANCEL: complete")
		default:
			w.evHandler("worker: runProposerOperation: ERROR: %s", err)
		}
		return
	}

	w.evHandler("worker: runProposerOperation: proposed block %d: %s", block.Index, block.Hash)
}

// nextRound advances the round, starting over whenever the latest block has
// changed since the previous cycle.
func (w *Worker) nextRound() uint64 {
	hash := w.state.LatestBlock().Hash

	switch {
	case hash != w.roundHash:
		w.roundHash = hash
		w.round = 0
	default:
		w.round++
	}

	return w.round
}

// selection picks the validator allowed to propose in this round.
func (w *Worker) selection(round uint64) string {
	return Selection(w.state.Validators(), w.state.LatestBlock().Hash, round)
}

// Selection picks one of the sorted validator ids based on the latest block
// hash and the round. Every node computes the same answer.
func Selection(validators []string, latestHash string, round uint64) string {
	if len(validators) == 0 {
		return ""
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)

	h := fnv.New32a()
	h.Write([]byte(latestHash))
	h.Write(buf[:])
	integerHash := h.Sum32()
	i := integerHash % uint32(len(validators))

	return validators[i]
}
