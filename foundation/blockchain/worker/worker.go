// Package worker implements block proposals, proposal expiry, peer updates,
// and transaction sharing for the blockchain.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/state"
)

// peerUpdateInterval represents the interval of making sure there is a
// gossip connection to every known peer.
const peerUpdateInterval = time.Minute

// expiryInterval represents the interval of rejecting proposals that have
// run out of time.
const expiryInterval = time.Second

// =============================================================================

// Worker manages the proposer workflows for the blockchain.
type Worker struct {
	state         *state.State
	wg            sync.WaitGroup
	blockInterval time.Duration
	shut          chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	proposing     atomic.Bool
	round         uint64
	roundHash     string
	txSharing     chan database.Tx
	evHandler     state.EventHandler
}

// Run creates a worker, registers the worker with the state package, and
// starts up all the background processes.
func Run(st *state.State, evHandler state.EventHandler) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := Worker{
		state:         st,
		blockInterval: st.Genesis().BlockInterval(),
		shut:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		txSharing:     make(chan database.Tx, maxTxShareRequests),
		evHandler:     evHandler,
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Reach out to the known peers before starting any support G's.
	w.state.ConnectKnownPeers()

	// Load the set of operations we need to run.
	operations := []func(){
		w.peerOperations,
		w.proposerOperations,
		w.expiryOperations,
		w.shareTxOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for i := 0; i < g; i++ {
		<-hasStarted
	}

	return &w
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutine performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: cancel proposals")
	w.cancel()

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.wg.Wait()
}

// SignalShareTx signals a share transaction operation. If
// maxTxShareRequests signals exist in the channel, we won't send these.
func (w *Worker) SignalShareTx(tx database.Tx) {
	select {
	case w.txSharing <- tx:
		w.evHandler("worker: SignalShareTx: share Tx signaled")
	default:
		w.evHandler("worker: SignalShareTx: queue full, transactions won't be shared.")
	}
}

// =============================================================================

// peerOperations makes sure newly learned peers get connected.
func (w *Worker) peerOperations() {
	w.evHandler("worker: peerOperations: G started")
	defer w.evHandler("worker: peerOperations: G completed")

	ticker := time.NewTicker(peerUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !w.isShutdown() {
				w.state.ConnectKnownPeers()
			}
		case <-w.shut:
			w.evHandler("worker: peerOperations: received shut signal")
			return
		}
	}
}

// expiryOperations rejects proposals that couldn't reach quorum in time.
func (w *Worker) expiryOperations() {
	w.evHandler("worker: expiryOperations: G started")
	defer w.evHandler("worker: expiryOperations: G completed")

	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if !w.isShutdown() {
				if n := w.state.ExpireProposals(now); n > 0 {
					w.evHandler("worker: expiryOperations: rejected proposals[%d]", n)
				}
			}
		case <-w.shut:
			w.evHandler("worker: expiryOperations: received shut signal")
			return
		}
	}
}

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
