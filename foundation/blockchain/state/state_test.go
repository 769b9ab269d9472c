package state_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/seagullcoin/blockchain/foundation/blockchain/accounts"
	"github.com/seagullcoin/blockchain/foundation/blockchain/consensus"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/genesis"
	"github.com/seagullcoin/blockchain/foundation/blockchain/gossip"
	"github.com/seagullcoin/blockchain/foundation/blockchain/peer"
	"github.com/seagullcoin/blockchain/foundation/blockchain/state"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage/memory"
	"github.com/seagullcoin/blockchain/foundation/events"
	"github.com/seagullcoin/blockchain/foundation/logger"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func ifErrFailNow(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Error(err)
		t.FailNow()
	}
}

// eventHandler logs the raw blockchain events the same way the node does.
func eventHandler(t *testing.T, node string) state.EventHandler {
	log, err := logger.New("TEST")
	ifErrFailNow(t, err)
	t.Cleanup(func() { log.Sync() })

	evts := events.New()
	t.Cleanup(evts.Shutdown)

	return func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "node", node, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.SendViewer(s)
	}
}

func validators(ids ...string) genesis.Genesis {
	gen := genesis.Default()
	gen.Validators = nil
	for _, id := range ids {
		gen.Validators = append(gen.Validators, consensus.Validator{ID: id, Weight: 1})
	}
	return gen
}

func newState(t *testing.T, nodeID string, gen genesis.Genesis, strg database.Storage) *state.State {
	t.Helper()

	st, err := state.New(state.Config{
		NodeID:    nodeID,
		Host:      nodeID + ":9080",
		Genesis:   gen,
		Storage:   strg,
		Gossip:    state.GossipConfig{RetryDelay: 50 * time.Millisecond},
		EvHandler: eventHandler(t, nodeID),
	})
	ifErrFailNow(t, err)

	return st
}

// fakePeer stands in for the connection a message arrived on.
type fakePeer struct {
	mu   sync.Mutex
	sent []gossip.Envelope
}

func (f *fakePeer) Host() string {
	return "127.0.0.1:1"
}

func (f *fakePeer) Send(env gossip.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, env)
	return true
}

func (f *fakePeer) last() gossip.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sent) == 0 {
		return gossip.Envelope{}
	}
	return f.sent[len(f.sent)-1]
}

// =============================================================================

func Test_ProposeAndFinalize(t *testing.T) {
	t.Log("Given the need for a single validator to build the chain.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen submitting and proposing transactions.", testID)
		{
			strg, err := memory.New()
			ifErrFailNow(t, err)

			st := newState(t, "node1", genesis.Default(), strg)

			if _, err := st.ProposeBlock(context.Background(), 0); !errors.Is(err, state.ErrNoTransactions) {
				t.Fatalf("\t%s\tTest %d:\tShould not propose an empty block: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould not propose an empty block.", success, testID)

			if _, err := st.SubmitTransaction(database.Tx{From: "SEAGULL1", To: "BOB", Amount: database.Coins(100)}); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to submit a transaction: %v", failed, testID, err)
			}

			if _, err := st.SubmitTransaction(database.NewTx("SEAGULL1", "CAROL", database.Coins(900))); !errors.Is(err, database.ErrInsufficientFunds) {
				t.Fatalf("\t%s\tTest %d:\tShould count pending spends when accepting a transaction: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould count pending spends when accepting a transaction.", success, testID)

			if _, err := st.SubmitTransaction(database.NewTx("MALLORY", "BOB", database.Amount(math.MaxInt64))); !errors.Is(err, database.ErrInvalidTransaction) {
				t.Fatalf("\t%s\tTest %d:\tShould refuse an amount that overflows with the fee: %v", failed, testID, err)
			}
			if st.MempoolLength() != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould keep an overflowing transaction out of the mempool.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould refuse an amount that overflows with the fee.", success, testID)

			block, err := st.ProposeBlock(context.Background(), 0)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to propose a block: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to propose a block.", success, testID)

			latest := st.LatestBlock()
			if latest.Index != 1 || latest.Hash != block.Hash || !latest.Finalized {
				t.Fatalf("\t%s\tTest %d:\tShould finalize the block with a lone validator: %+v", failed, testID, latest)
			}
			t.Logf("\t%s\tTest %d:\tShould finalize the block with a lone validator.", success, testID)

			exp := map[string]string{
				"SEAGULL1":            "899.99998",
				"BOB":                 "100",
				accounts.MinerAccount: "0.00002",
			}
			for account, want := range exp {
				if got := st.Balance(account).String(); got != want {
					t.Fatalf("\t%s\tTest %d:\tShould have balance %s for %s, got %s.", failed, testID, want, account, got)
				}
			}
			t.Logf("\t%s\tTest %d:\tShould apply the block to the balances.", success, testID)

			if st.MempoolLength() != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould clear the mempool.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould clear the mempool.", success, testID)

			broken, n, err := st.VerifyChain()
			if err != nil || n != 2 || len(broken) != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould verify the stored chain: %d blocks, %v, %v", failed, testID, n, broken, err)
			}
			t.Logf("\t%s\tTest %d:\tShould verify the stored chain.", success, testID)

			ifErrFailNow(t, st.Shutdown())

			again := newState(t, "node1", genesis.Default(), strg)
			defer again.Shutdown()

			if again.LatestBlock().Hash != block.Hash || again.Balance("BOB") != database.Coins(100) {
				t.Fatalf("\t%s\tTest %d:\tShould rebuild the same state from storage.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould rebuild the same state from storage.", success, testID)
		}
	}
}

func Test_HandleMessages(t *testing.T) {
	t.Log("Given the need to process gossip from peers.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a peer proposes a block.", testID)

		strg, err := memory.New()
		ifErrFailNow(t, err)

		st := newState(t, "node1", validators("node1", "node2", "node3"), strg)
		defer st.Shutdown()

		from := fakePeer{}
		ctx := context.Background()

		tx := database.NewTx("SEAGULL1", "BOB", database.Coins(10))
		if !st.HandleMessage(ctx, &from, gossip.NewTxMessage(tx)) {
			t.Fatalf("\t%s\tTest %d:\tShould relay a new transaction.", failed, testID)
		}
		if st.HandleMessage(ctx, &from, gossip.NewTxMessage(tx)) {
			t.Fatalf("\t%s\tTest %d:\tShould not relay a known transaction.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould relay only new transactions.", success, testID)

		block := database.NewBlock(st.LatestBlock(), []database.Tx{tx}, 0)

		if st.HandleMessage(ctx, &from, gossip.NewProposeMessage("mallory", block)) {
			t.Fatalf("\t%s\tTest %d:\tShould ignore proposals from non validators.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould ignore proposals from non validators.", success, testID)

		if !st.HandleMessage(ctx, &from, gossip.NewProposeMessage("node2", block)) {
			t.Fatalf("\t%s\tTest %d:\tShould relay a new proposal.", failed, testID)
		}

		var status consensus.Status
		for _, sum := range st.Proposals() {
			if sum.Proposal.ID == block.Hash {
				status = sum.Status
			}
		}
		if status != consensus.Voting {
			t.Fatalf("\t%s\tTest %d:\tShould vote on the proposal, got %s.", failed, testID, status)
		}
		t.Logf("\t%s\tTest %d:\tShould vote on the proposal.", success, testID)

		for _, v := range []string{"node2", "node3"} {
			st.HandleMessage(ctx, &from, gossip.NewVoteMessage(consensus.Vote{ProposalID: block.Hash, Validator: v, Approve: true}))
		}

		if latest := st.LatestBlock(); latest.Hash != block.Hash {
			t.Fatalf("\t%s\tTest %d:\tShould finalize once every validator approves.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould finalize once every validator approves.", success, testID)

		if st.HandleMessage(ctx, &from, gossip.NewBlockMessage(block)) {
			t.Fatalf("\t%s\tTest %d:\tShould ignore a block it already has.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould ignore a block it already has.", success, testID)

		testID++
		t.Logf("\tTest %d:\tWhen a peer asks to sync.", testID)

		st.HandleMessage(ctx, &from, gossip.NewSyncMessage(0))
		if env := from.last(); env.Type != gossip.TypeChain || len(env.Chain) != 2 {
			t.Fatalf("\t%s\tTest %d:\tShould reply with the chain: %+v", failed, testID, env)
		}
		t.Logf("\t%s\tTest %d:\tShould reply with the chain.", success, testID)

		testID++
		t.Logf("\tTest %d:\tWhen a peer says hello from further ahead.", testID)

		st.HandleMessage(ctx, &from, gossip.NewHelloMessage(peer.PeerStatus{
			NodeID:            "node2",
			Host:              "127.0.0.1:2",
			LatestBlockNumber: 5,
			KnownPeers:        []peer.Peer{{Host: "127.0.0.1:3"}, {Host: "node1:9080"}},
		}))

		if env := from.last(); env.Type != gossip.TypeSync || env.Sync.From != 2 {
			t.Fatalf("\t%s\tTest %d:\tShould ask for the missing blocks: %+v", failed, testID, env)
		}
		t.Logf("\t%s\tTest %d:\tShould ask for the missing blocks.", success, testID)

		if peers := st.KnownPeers(); len(peers) != 2 {
			t.Fatalf("\t%s\tTest %d:\tShould learn the peer and its peers but not itself: %v", failed, testID, peers)
		}
		t.Logf("\t%s\tTest %d:\tShould learn the peer and its peers but not itself.", success, testID)

		testID++
		t.Logf("\tTest %d:\tWhen a peer sends a block from further ahead.", testID)

		ahead := database.NewBlock(database.Block{Index: 5, Hash: "0xahead"}, nil, 0)
		if st.HandleMessage(ctx, &from, gossip.NewBlockMessage(ahead)) {
			t.Fatalf("\t%s\tTest %d:\tShould not relay a block it can't link.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould not relay a block it can't link.", success, testID)

		if env := from.last(); env.Type != gossip.TypeSync || env.Sync.From != 2 {
			t.Fatalf("\t%s\tTest %d:\tShould ask for the missing blocks: %+v", failed, testID, env)
		}
		if st.LatestBlock().Index != 1 {
			t.Fatalf("\t%s\tTest %d:\tShould leave the chain untouched.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould ask for the missing blocks.", success, testID)
	}
}

func Test_ForkChoice(t *testing.T) {
	t.Log("Given the need to resolve forks with the longest valid chain.")
	{
		testID := 0

		strg, err := memory.New()
		ifErrFailNow(t, err)

		st := newState(t, "node1", genesis.Default(), strg)
		defer st.Shutdown()

		gen := st.LatestBlock()
		fork := []database.Block{gen}
		for i := 0; i < 3; i++ {
			prev := fork[len(fork)-1]
			fork = append(fork, database.NewBlock(prev, []database.Tx{database.NewTx("SEAGULL1", "DAVE", database.Coins(1))}, uint64(i)))
		}

		if err := st.ReplaceChain(fork[:1]); !errors.Is(err, state.ErrChainNotLonger) {
			t.Fatalf("\t%s\tTest %d:\tShould keep the local chain when the candidate isn't longer: %v", failed, testID, err)
		}
		t.Logf("\t%s\tTest %d:\tShould keep the local chain when the candidate isn't longer.", success, testID)

		other := database.CreateGenesisBlock(nil, time.Unix(0, 0))
		foreign := []database.Block{other, database.NewBlock(other, nil, 0)}
		if err := st.ReplaceChain(foreign); !errors.Is(err, database.ErrChainLinkBroken) {
			t.Fatalf("\t%s\tTest %d:\tShould refuse a chain from another genesis: %v", failed, testID, err)
		}
		t.Logf("\t%s\tTest %d:\tShould refuse a chain from another genesis.", success, testID)

		overdraft := []database.Block{gen, database.NewBlock(gen, []database.Tx{database.NewTx("SEAGULL1", "DAVE", database.Coins(5000))}, 0)}
		if err := st.ReplaceChain(overdraft); !errors.Is(err, database.ErrInsufficientFunds) {
			t.Fatalf("\t%s\tTest %d:\tShould refuse a chain that doesn't replay: %v", failed, testID, err)
		}
		if st.LatestBlock().Index != 0 {
			t.Fatalf("\t%s\tTest %d:\tShould leave the chain untouched after a refusal.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould refuse a chain that doesn't replay.", success, testID)

		if err := st.ReplaceChain(fork); err != nil {
			t.Fatalf("\t%s\tTest %d:\tShould adopt a longer valid chain: %v", failed, testID, err)
		}
		if st.LatestBlock().Hash != fork[3].Hash || st.Balance("DAVE") != database.Coins(3) {
			t.Fatalf("\t%s\tTest %d:\tShould swap the chain and the balances together.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould adopt a longer valid chain.", success, testID)

		stored, err := database.ReadAll(strg)
		if err != nil || len(stored) != len(fork) {
			t.Fatalf("\t%s\tTest %d:\tShould persist the adopted chain: %d, %v", failed, testID, len(stored), err)
		}
		t.Logf("\t%s\tTest %d:\tShould persist the adopted chain.", success, testID)
	}
}

// failingStorage fails the write with the specified number once armed.
type failingStorage struct {
	*memory.Memory
	mu     sync.Mutex
	writes int
	failOn int
}

func (f *failingStorage) arm(failOn int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = 0
	f.failOn = failOn
}

func (f *failingStorage) Write(block database.Block) error {
	f.mu.Lock()
	f.writes++
	fail := f.failOn > 0 && f.writes == f.failOn
	f.mu.Unlock()

	if fail {
		return errors.New("disk full")
	}
	return f.Memory.Write(block)
}

func Test_ForkChoiceWriteFailure(t *testing.T) {
	t.Log("Given the need to keep storage and memory in step when adopting a chain fails.")
	{
		const testID = 0

		mem, err := memory.New()
		ifErrFailNow(t, err)
		strg := failingStorage{Memory: mem}

		st := newState(t, "node1", genesis.Default(), &strg)

		gen := st.LatestBlock()
		fork := []database.Block{gen}
		for i := 0; i < 3; i++ {
			prev := fork[len(fork)-1]
			fork = append(fork, database.NewBlock(prev, []database.Tx{database.NewTx("SEAGULL1", "DAVE", database.Coins(1))}, uint64(i)))
		}

		strg.arm(3)
		if err := st.ReplaceChain(fork); err == nil {
			t.Fatalf("\t%s\tTest %d:\tShould report the failed write.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould report the failed write.", success, testID)

		if st.LatestBlock().Hash != gen.Hash || st.Balance("DAVE") != 0 {
			t.Fatalf("\t%s\tTest %d:\tShould keep the local chain in memory.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould keep the local chain in memory.", success, testID)

		stored, err := database.ReadAll(&strg)
		if err != nil || len(stored) != 1 || stored[0].Hash != gen.Hash {
			t.Fatalf("\t%s\tTest %d:\tShould restore the local chain in storage: %d blocks, %v", failed, testID, len(stored), err)
		}
		t.Logf("\t%s\tTest %d:\tShould restore the local chain in storage.", success, testID)

		ifErrFailNow(t, st.Shutdown())

		again := newState(t, "node1", genesis.Default(), &strg)
		defer again.Shutdown()

		if again.LatestBlock().Hash != gen.Hash {
			t.Fatalf("\t%s\tTest %d:\tShould restart from the restored chain.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould restart from the restored chain.", success, testID)
	}
}

// =============================================================================

// newNode starts a node that accepts gossip connections over http.
func newNode(t *testing.T, nodeID string, gen genesis.Genesis, peers ...string) *state.State {
	t.Helper()

	srv := httptest.NewUnstartedServer(nil)
	host := srv.Listener.Addr().String()

	strg, err := memory.New()
	ifErrFailNow(t, err)

	ps := peer.NewPeerSet()
	for _, p := range peers {
		ps.Add(peer.New(p))
	}

	st, err := state.New(state.Config{
		NodeID:     nodeID,
		Host:       host,
		Genesis:    gen,
		Storage:    strg,
		KnownPeers: ps,
		Gossip:     state.GossipConfig{RetryDelay: 50 * time.Millisecond},
		EvHandler:  eventHandler(t, nodeID),
	})
	ifErrFailNow(t, err)

	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st.UpgradeGossip(w, r)
	})
	srv.Start()

	// Cleanups run last in first out so the gossip connections are closed
	// before the server waits on them.
	t.Cleanup(srv.Close)
	t.Cleanup(func() { st.Shutdown() })

	return st
}

// openPeers counts the gossip connections ready to carry messages.
func openPeers(st *state.State) int {
	var n int
	for _, info := range st.GossipPeers() {
		if info.State == gossip.Open {
			n++
		}
	}
	return n
}

// eventually polls the condition until it holds or the time runs out.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func Test_Network(t *testing.T) {
	t.Log("Given the need for nodes to agree on blocks over gossip.")
	{
		testID := 0
		gen := validators("node1", "node2")

		b := newNode(t, "node2", gen)
		a := newNode(t, "node1", gen, b.Host())
		a.ConnectKnownPeers()

		t.Logf("\tTest %d:\tWhen a transaction is submitted to one node.", testID)
		{
			ok := eventually(func() bool {
				return openPeers(a) > 0 && openPeers(b) > 0 && len(b.KnownPeers()) == 1
			})
			if !ok {
				t.Fatalf("\t%s\tTest %d:\tShould connect the nodes.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould connect the nodes.", success, testID)

			if _, err := a.SubmitTransaction(database.NewTx("SEAGULL1", "BOB", database.Coins(100))); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould accept the transaction: %v", failed, testID, err)
			}

			if !eventually(func() bool { return b.MempoolLength() == 1 }) {
				t.Fatalf("\t%s\tTest %d:\tShould gossip the transaction to the peer.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould gossip the transaction to the peer.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen a validator proposes a block.", testID)
		{
			block, err := a.ProposeBlock(context.Background(), 0)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to propose: %v", failed, testID, err)
			}

			ok := eventually(func() bool {
				return a.LatestBlock().Hash == block.Hash && b.LatestBlock().Hash == block.Hash
			})
			if !ok {
				t.Fatalf("\t%s\tTest %d:\tShould finalize the block on both nodes.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould finalize the block on both nodes.", success, testID)

			if a.Balance("BOB") != b.Balance("BOB") || b.MempoolLength() != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould apply the block the same way on both nodes.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould apply the block the same way on both nodes.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen a new node joins late.", testID)
		{
			c := newNode(t, "node3", gen, a.Host())
			c.ConnectKnownPeers()

			if !eventually(func() bool { return c.LatestBlock().Hash == a.LatestBlock().Hash }) {
				t.Fatalf("\t%s\tTest %d:\tShould catch up with the network.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould catch up with the network.", success, testID)

			if c.Balance("BOB") != database.Coins(100) {
				t.Fatalf("\t%s\tTest %d:\tShould replay the synced blocks.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould replay the synced blocks.", success, testID)
		}
	}
}
