package consensus_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seagullcoin/blockchain/foundation/blockchain/consensus"
	"github.com/stretchr/testify/require"
)

func fourValidators() []consensus.Validator {
	return []consensus.Validator{
		{ID: "v1", Weight: 1},
		{ID: "v2", Weight: 1},
		{ID: "v3", Weight: 1},
		{ID: "v4", Weight: 1},
	}
}

func proposal(t *testing.T, id string, height uint64) consensus.Proposal {
	t.Helper()

	p, err := consensus.NewProposal(id, height, "v1", map[string]uint64{"index": height})
	require.NoError(t, err)
	return p
}

func newEngine(t *testing.T, cfg consensus.Config) *consensus.Engine {
	t.Helper()

	e, err := consensus.New(cfg)
	require.NoError(t, err)
	return e
}

func TestQuorumThreshold(t *testing.T) {
	var finalized atomic.Int32
	e := newEngine(t, consensus.Config{
		Self:       "observer",
		Validators: fourValidators(),
		OnFinalize: func(consensus.Proposal) { finalized.Add(1) },
	})

	p := proposal(t, "p1", 1)
	require.NoError(t, e.Register(p))

	status, err := e.Status("p1")
	require.NoError(t, err)
	require.Equal(t, consensus.Proposed, status)

	for _, v := range []string{"v1", "v2"} {
		added, err := e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: v, Approve: true})
		require.NoError(t, err)
		require.True(t, added)
	}

	status, err = e.Status("p1")
	require.NoError(t, err)
	require.Equal(t, consensus.Voting, status, "two of four must not finalize")
	require.EqualValues(t, 2, e.ApproveWeight("p1"))
	require.EqualValues(t, 4, e.TotalWeight())
	require.Zero(t, finalized.Load())

	_, err = e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: "v3", Approve: true})
	require.NoError(t, err)

	status, err = e.Status("p1")
	require.NoError(t, err)
	require.Equal(t, consensus.Finalized, status)
	require.EqualValues(t, 1, finalized.Load())

	added, err := e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: "v4", Approve: true})
	require.NoError(t, err)
	require.False(t, added, "votes for decided proposals are ignored")
	require.EqualValues(t, 1, finalized.Load())
}

func TestDuplicateVotes(t *testing.T) {
	e := newEngine(t, consensus.Config{Self: "observer", Validators: fourValidators()})
	require.NoError(t, e.Register(proposal(t, "p1", 1)))

	for i := 0; i < 5; i++ {
		_, err := e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: "v1", Approve: true})
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, e.ApproveWeight("p1"))

	added, err := e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: "v2", Approve: false})
	require.NoError(t, err)
	require.True(t, added)

	added, err = e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: "v2", Approve: true})
	require.NoError(t, err)
	require.False(t, added, "the first vote from a validator wins")
	require.EqualValues(t, 1, e.ApproveWeight("p1"))
}

func TestUnknownValidators(t *testing.T) {
	e := newEngine(t, consensus.Config{Self: "observer", Validators: fourValidators()})
	require.NoError(t, e.Register(proposal(t, "p1", 1)))

	for _, v := range []string{"x1", "x2", "x3", "x4", "x5"} {
		_, err := e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: v, Approve: true})
		require.NoError(t, err)
	}

	require.Zero(t, e.ApproveWeight("p1"))
	status, err := e.Status("p1")
	require.NoError(t, err)
	require.Equal(t, consensus.Voting, status)
}

func TestConcurrentVotesFinalizeOnce(t *testing.T) {
	validators := make([]consensus.Validator, 100)
	for i := range validators {
		validators[i] = consensus.Validator{ID: string(rune('A'+i%26)) + string(rune('a'+i/26)), Weight: 1}
	}

	var finalized atomic.Int32
	e := newEngine(t, consensus.Config{
		Self:       "observer",
		Validators: validators,
		OnFinalize: func(consensus.Proposal) { finalized.Add(1) },
	})
	require.NoError(t, e.Register(proposal(t, "p1", 1)))

	var wg sync.WaitGroup
	wg.Add(len(validators))
	for _, v := range validators {
		go func(id string) {
			defer wg.Done()
			e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: id, Approve: true})
		}(v.ID)
	}
	wg.Wait()

	require.EqualValues(t, 1, finalized.Load())
}

func TestProposeSelfVote(t *testing.T) {
	var broadcast []consensus.Vote
	var finalized atomic.Int32

	e := newEngine(t, consensus.Config{
		Self:       "v1",
		Validators: []consensus.Validator{{ID: "v1", Weight: 1}},
		Broadcast:  func(v consensus.Vote) { broadcast = append(broadcast, v) },
		OnFinalize: func(consensus.Proposal) { finalized.Add(1) },
	})

	require.NoError(t, e.Propose(proposal(t, "p1", 1)))
	require.Len(t, broadcast, 1)
	require.Equal(t, consensus.Vote{ProposalID: "p1", Validator: "v1", Approve: true}, broadcast[0])

	status, err := e.Status("p1")
	require.NoError(t, err)
	require.Equal(t, consensus.Finalized, status, "a lone validator finalizes its own proposal")
	require.EqualValues(t, 1, finalized.Load())

	require.ErrorIs(t, e.Propose(proposal(t, "p1", 1)), consensus.ErrProposalDecided)
}

func TestOneApprovalPerHeight(t *testing.T) {
	e := newEngine(t, consensus.Config{Self: "v1", Validators: fourValidators()})

	require.NoError(t, e.Register(proposal(t, "a", 5)))
	require.NoError(t, e.Register(proposal(t, "b", 5)))

	vote, err := e.CastVote("a", true)
	require.NoError(t, err)
	require.True(t, vote.Approve)

	vote, err = e.CastVote("b", true)
	require.NoError(t, err)
	require.False(t, vote.Approve, "a second proposal at the same height is rejected")

	_, err = e.CastVote("missing", true)
	require.ErrorIs(t, err, consensus.ErrUnknownProposal)
}

func TestReproposeAfterExpiry(t *testing.T) {
	var rejected atomic.Int32
	e := newEngine(t, consensus.Config{
		Self:       "v3",
		Validators: fourValidators(),
		Timeout:    time.Minute,
		OnReject:   func(consensus.Proposal) { rejected.Add(1) },
	})

	// p1 only gathers half of the weight before it times out.
	require.NoError(t, e.Register(proposal(t, "p1", 5)))
	vote, err := e.CastVote("p1", true)
	require.NoError(t, err)
	require.True(t, vote.Approve)
	_, err = e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: "v1", Approve: true})
	require.NoError(t, err)

	expired := e.Expire(time.Now().Add(2 * time.Minute))
	require.Len(t, expired, 1)
	require.EqualValues(t, 1, rejected.Load())

	status, err := e.Status("p1")
	require.NoError(t, err)
	require.Equal(t, consensus.Rejected, status)

	// A new proposal at the same height gets this validator's approval.
	require.NoError(t, e.Propose(proposal(t, "p2", 5)))
	require.EqualValues(t, 1, e.ApproveWeight("p2"), "own proposal is approved after the earlier one expired")

	for _, v := range []string{"v1", "v2"} {
		_, err := e.ReceiveVote(consensus.Vote{ProposalID: "p2", Validator: v, Approve: true})
		require.NoError(t, err)
	}

	status, err = e.Status("p2")
	require.NoError(t, err)
	require.Equal(t, consensus.Finalized, status)
}

func TestReproposeAfterRejection(t *testing.T) {
	e := newEngine(t, consensus.Config{Self: "v1", Validators: fourValidators()})

	require.NoError(t, e.Register(proposal(t, "p1", 7)))
	vote, err := e.CastVote("p1", true)
	require.NoError(t, err)
	require.True(t, vote.Approve)

	for _, v := range []string{"v2", "v3"} {
		_, err := e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: v, Approve: false})
		require.NoError(t, err)
	}

	status, err := e.Status("p1")
	require.NoError(t, err)
	require.Equal(t, consensus.Rejected, status, "quorum is unreachable with half the weight against")

	require.NoError(t, e.Register(proposal(t, "p2", 7)))
	vote, err = e.CastVote("p2", true)
	require.NoError(t, err)
	require.True(t, vote.Approve, "a rejected proposal releases the approval at its height")
}

func TestEarlyVotes(t *testing.T) {
	var finalized atomic.Int32
	e := newEngine(t, consensus.Config{
		Self:       "observer",
		Validators: fourValidators(),
		OnFinalize: func(consensus.Proposal) { finalized.Add(1) },
	})

	for _, v := range []string{"v2", "v3", "v4"} {
		added, err := e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: v, Approve: true})
		require.NoError(t, err)
		require.True(t, added)
	}
	require.Zero(t, finalized.Load())

	require.NoError(t, e.Register(proposal(t, "p1", 1)))
	require.EqualValues(t, 1, finalized.Load(), "votes held before the proposal are counted")
}

func TestQuorumSet(t *testing.T) {
	validators := fourValidators()
	validators[0].QuorumSet = []string{"v1", "v2"}

	e := newEngine(t, consensus.Config{Self: "v1", Validators: validators})
	require.EqualValues(t, 2, e.TotalWeight())

	require.NoError(t, e.Register(proposal(t, "p1", 1)))
	for _, v := range []string{"v3", "v4"} {
		_, err := e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: v, Approve: true})
		require.NoError(t, err)
	}

	status, err := e.Status("p1")
	require.NoError(t, err)
	require.Equal(t, consensus.Voting, status, "votes outside the quorum set don't count")

	_, err = e.CastVote("p1", true)
	require.NoError(t, err)
	_, err = e.ReceiveVote(consensus.Vote{ProposalID: "p1", Validator: "v2", Approve: true})
	require.NoError(t, err)

	status, err = e.Status("p1")
	require.NoError(t, err)
	require.Equal(t, consensus.Finalized, status)
}

func TestRejection(t *testing.T) {
	var rejected []string
	var mu sync.Mutex

	e := newEngine(t, consensus.Config{
		Self:       "observer",
		Validators: fourValidators(),
		Timeout:    time.Minute,
		OnReject: func(p consensus.Proposal) {
			mu.Lock()
			defer mu.Unlock()
			rejected = append(rejected, p.ID)
		},
	})

	require.NoError(t, e.Register(proposal(t, "slow", 1)))
	require.NoError(t, e.Register(proposal(t, "denied", 2)))

	require.Empty(t, e.Expire(time.Now()))

	for _, v := range []string{"v1", "v2"} {
		_, err := e.ReceiveVote(consensus.Vote{ProposalID: "denied", Validator: v, Approve: false})
		require.NoError(t, err)
	}

	status, err := e.Status("denied")
	require.NoError(t, err)
	require.Equal(t, consensus.Rejected, status, "quorum can no longer be reached")

	expired := e.Expire(time.Now().Add(2 * time.Minute))
	require.Len(t, expired, 1)
	require.Equal(t, "slow", expired[0].ID)

	status, err = e.Status("slow")
	require.NoError(t, err)
	require.Equal(t, consensus.Rejected, status)
	require.Equal(t, []string{"denied", "slow"}, rejected)

	summaries := e.Proposals()
	require.Len(t, summaries, 2)
	require.Equal(t, "slow", summaries[0].Proposal.ID)
}

func TestInvalidProposal(t *testing.T) {
	e := newEngine(t, consensus.Config{Self: "v1", Validators: fourValidators()})

	require.ErrorIs(t, e.Register(consensus.Proposal{ID: "p1"}), consensus.ErrInvalidProposal)
	require.ErrorIs(t, e.Register(consensus.Proposal{ID: "p1", Payload: []byte("null")}), consensus.ErrInvalidProposal)
	require.ErrorIs(t, e.Register(consensus.Proposal{Payload: []byte("{}")}), consensus.ErrInvalidProposal)

	_, err := e.ReceiveVote(consensus.Vote{ProposalID: "p1"})
	require.ErrorIs(t, err, consensus.ErrInvalidVote)

	require.NoError(t, e.Register(proposal(t, "p1", 1)))
	require.ErrorIs(t, e.Register(proposal(t, "p1", 1)), consensus.ErrDuplicateProposal)

	observer := newEngine(t, consensus.Config{Self: "nobody", Validators: fourValidators()})
	require.ErrorIs(t, observer.Propose(proposal(t, "p2", 1)), consensus.ErrNotValidator)
}
