// Package consensus decides, per proposal, whether enough weighted validator
// support exists to finalize it.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Set of errors returned by the engine.
var (
	ErrInvalidProposal   = errors.New("invalid proposal")
	ErrInvalidVote       = errors.New("invalid vote")
	ErrDuplicateProposal = errors.New("duplicate proposal")
	ErrUnknownProposal   = errors.New("unknown proposal")
	ErrProposalDecided   = errors.New("proposal already decided")
	ErrNotValidator      = errors.New("node is not a validator")
)

// Default settings for the engine.
const (
	DefaultThreshold = 0.67
	DefaultTimeout   = 30 * time.Second
	DefaultCacheSize = 1024
)

// EventHandler defines a function that is called when events
// occur in the processing of proposals.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to start the engine.
type Config struct {
	Self       string
	Validators []Validator
	Threshold  float64
	Timeout    time.Duration
	CacheSize  int
	Broadcast  func(Vote)
	OnFinalize func(Proposal)
	OnReject   func(Proposal)
	EvHandler  EventHandler
}

// round tracks the votes collected for a live proposal.
type round struct {
	proposal Proposal
	status   Status
	votes    map[string]bool
}

// Engine collects votes for proposals and finalizes a proposal once the
// approving weight reaches the threshold.
type Engine struct {
	self       string
	validators *ValidatorSet
	threshold  float64
	timeout    time.Duration
	broadcast  func(Vote)
	onFinalize func(Proposal)
	onReject   func(Proposal)
	evHandler  EventHandler

	mu       sync.Mutex
	live     map[string]*round
	early    *lru.Cache[string, map[string]bool]
	decided  *lru.Cache[string, Summary]
	approved *lru.Cache[uint64, string]
}

// New constructs an engine for use.
func New(cfg Config) (*Engine, error) {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	early, err := lru.New[string, map[string]bool](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("early vote cache: %w", err)
	}

	decided, err := lru.New[string, Summary](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("decided cache: %w", err)
	}

	approved, err := lru.New[uint64, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("approved cache: %w", err)
	}

	e := Engine{
		self:       cfg.Self,
		validators: NewValidatorSet(cfg.Validators),
		threshold:  cfg.Threshold,
		timeout:    cfg.Timeout,
		broadcast:  cfg.Broadcast,
		onFinalize: cfg.OnFinalize,
		onReject:   cfg.OnReject,
		evHandler:  ev,
		live:       make(map[string]*round),
		early:      early,
		decided:    decided,
		approved:   approved,
	}

	return &e, nil
}

// Validators returns the set of known validators.
func (e *Engine) Validators() *ValidatorSet {
	return e.validators
}

// IsValidator reports whether this node votes.
func (e *Engine) IsValidator() bool {
	_, exists := e.validators.Get(e.self)
	return exists
}

// Threshold returns the fraction of weight required to finalize.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// =============================================================================

// Propose registers a proposal issued by this node and votes to approve it.
// The vote is broadcast and the proposal may finalize immediately when this
// validator alone carries enough weight.
func (e *Engine) Propose(p Proposal) error {
	if !e.IsValidator() {
		return ErrNotValidator
	}

	if err := e.register(p); err != nil {
		return err
	}

	// Votes held for the proposal may already have decided it.
	if _, err := e.CastVote(p.ID, true); err != nil && !errors.Is(err, ErrProposalDecided) {
		return err
	}

	return nil
}

// Register records a proposal learned from a peer. No vote is cast. Votes
// that arrived ahead of the proposal are counted now.
func (e *Engine) Register(p Proposal) error {
	return e.register(p)
}

// CastVote records this validator's vote and broadcasts it. A validator
// approves at most one live or finalized proposal per height, so a request
// to approve a second proposal at the same height is cast as a rejection. The vote actually cast
// is returned.
func (e *Engine) CastVote(proposalID string, approve bool) (Vote, error) {
	if !e.IsValidator() {
		return Vote{}, ErrNotValidator
	}

	e.mu.Lock()

	r, exists := e.live[proposalID]
	if !exists {
		e.mu.Unlock()
		if _, decided := e.decided.Get(proposalID); decided {
			return Vote{}, ErrProposalDecided
		}
		return Vote{}, ErrUnknownProposal
	}

	if approve {
		height := r.proposal.Height
		if id, ok := e.approved.Get(height); ok && id != proposalID {
			e.evHandler("consensus: CastVote: already approved %s at height %d, rejecting %s", id, height, proposalID)
			approve = false
		} else {
			e.approved.Add(height, proposalID)
		}
	}

	vote := Vote{
		ProposalID: proposalID,
		Validator:  e.self,
		Approve:    approve,
	}
	decided := e.record(r, vote)

	e.mu.Unlock()

	if e.broadcast != nil {
		e.broadcast(vote)
	}
	e.notify(decided)

	return vote, nil
}

// ReceiveVote records a vote from a peer. Only the first vote from a
// validator counts. Votes for decided proposals are ignored. The returned
// bool reports whether the vote was new.
func (e *Engine) ReceiveVote(v Vote) (bool, error) {
	if err := v.Validate(); err != nil {
		return false, err
	}

	e.mu.Lock()

	if _, decided := e.decided.Get(v.ProposalID); decided {
		e.mu.Unlock()
		return false, nil
	}

	r, exists := e.live[v.ProposalID]
	if !exists {
		votes, _ := e.early.Get(v.ProposalID)
		if votes == nil {
			votes = make(map[string]bool)
		}
		if _, dup := votes[v.Validator]; dup {
			e.mu.Unlock()
			return false, nil
		}
		votes[v.Validator] = v.Approve
		e.early.Add(v.ProposalID, votes)
		e.mu.Unlock()

		e.evHandler("consensus: ReceiveVote: holding vote from %s for unknown proposal %s", v.Validator, v.ProposalID)
		return true, nil
	}

	if _, dup := r.votes[v.Validator]; dup {
		e.mu.Unlock()
		return false, nil
	}

	decided := e.record(r, v)
	e.mu.Unlock()

	e.notify(decided)

	return true, nil
}

// Expire rejects every proposal that has been waiting longer than the
// timeout. The rejected proposals are returned.
func (e *Engine) Expire(now time.Time) []Proposal {
	var rejected []Summary

	e.mu.Lock()
	for _, r := range e.live {
		if now.Sub(r.proposal.Created) >= e.timeout {
			r.status = Rejected
			rejected = append(rejected, e.settle(r))
		}
	}
	e.mu.Unlock()

	proposals := make([]Proposal, len(rejected))
	for i, s := range rejected {
		e.evHandler("consensus: Expire: proposal %s at height %d timed out", s.Proposal.ID, s.Proposal.Height)
		e.notify(&rejected[i])
		proposals[i] = s.Proposal
	}

	return proposals
}

// =============================================================================

// Status returns the state of the proposal.
func (e *Engine) Status(proposalID string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, exists := e.live[proposalID]; exists {
		return r.status, nil
	}

	if s, exists := e.decided.Peek(proposalID); exists {
		return s.Status, nil
	}

	return 0, ErrUnknownProposal
}

// ApproveWeight returns the weight of the trusted validators that approved
// the proposal.
func (e *Engine) ApproveWeight(proposalID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, exists := e.live[proposalID]; exists {
		return e.summarize(r).ApproveWeight
	}

	if s, exists := e.decided.Peek(proposalID); exists {
		return s.ApproveWeight
	}

	return 0
}

// TotalWeight returns the weight of every validator this node trusts.
func (e *Engine) TotalWeight() uint64 {
	_, total := e.validators.trusted(e.self)
	return total
}

// Proposals returns a summary of the live and recently decided proposals
// ordered by height.
func (e *Engine) Proposals() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := make([]Summary, 0, len(e.live)+e.decided.Len())
	for _, r := range e.live {
		list = append(list, e.summarize(r))
	}
	for _, id := range e.decided.Keys() {
		if s, exists := e.decided.Peek(id); exists {
			list = append(list, s)
		}
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Proposal.Height != list[j].Proposal.Height {
			return list[i].Proposal.Height < list[j].Proposal.Height
		}
		return list[i].Proposal.Created.Before(list[j].Proposal.Created)
	})

	return list
}

// =============================================================================

// register adds a live proposal and counts any votes held for it.
func (e *Engine) register(p Proposal) error {
	if err := p.Validate(); err != nil {
		return err
	}

	e.mu.Lock()

	if _, exists := e.live[p.ID]; exists {
		e.mu.Unlock()
		return ErrDuplicateProposal
	}
	if _, exists := e.decided.Peek(p.ID); exists {
		e.mu.Unlock()
		return ErrProposalDecided
	}

	if p.Created.IsZero() {
		p.Created = time.Now().UTC()
	}

	r := round{
		proposal: p,
		status:   Proposed,
		votes:    make(map[string]bool),
	}
	e.live[p.ID] = &r

	var decided *Summary
	if votes, exists := e.early.Get(p.ID); exists {
		e.early.Remove(p.ID)
		for validator, approve := range votes {
			if decided = e.record(&r, Vote{ProposalID: p.ID, Validator: validator, Approve: approve}); decided != nil {
				break
			}
		}
	}

	e.mu.Unlock()

	e.evHandler("consensus: register: proposal %s at height %d from %s", p.ID, p.Height, p.Proposer)
	e.notify(decided)

	return nil
}

// record stores the vote and decides the proposal when the outcome is
// known. The caller must hold the lock. A non-nil summary means the proposal
// was decided by this vote.
func (e *Engine) record(r *round, v Vote) *Summary {
	if r.status.Decided() {
		return nil
	}

	r.votes[v.Validator] = v.Approve
	r.status = Voting

	s := e.summarize(r)
	_, weight := e.validators.trusted(e.self)
	total := float64(weight)
	need := e.threshold * total

	switch {
	case float64(s.ApproveWeight) >= need && s.ApproveWeight > 0:
		r.status = Finalized
	case total-float64(s.RejectWeight) < need:
		r.status = Rejected
	default:
		return nil
	}

	settled := e.settle(r)
	return &settled
}

// summarize totals the trusted votes of the round. The caller must hold the
// lock.
func (e *Engine) summarize(r *round) Summary {
	trusted, _ := e.validators.trusted(e.self)

	s := Summary{
		Proposal: r.proposal,
		Status:   r.status,
		Votes:    len(r.votes),
	}

	for id, approve := range r.votes {
		switch w := trusted[id]; {
		case approve:
			s.ApproveWeight += w
		default:
			s.RejectWeight += w
		}
	}

	return s
}

// settle moves a decided round out of the live set. A rejected proposal
// releases this validator's approval at its height so a later proposal for
// the same height can be approved. The caller must hold the lock.
func (e *Engine) settle(r *round) Summary {
	s := e.summarize(r)
	delete(e.live, r.proposal.ID)
	e.decided.Add(r.proposal.ID, s)

	if r.status == Rejected {
		if id, ok := e.approved.Peek(r.proposal.Height); ok && id == r.proposal.ID {
			e.approved.Remove(r.proposal.Height)
		}
	}

	return s
}

// notify runs the callback for a decided proposal. It must be called
// without holding the lock.
func (e *Engine) notify(s *Summary) {
	if s == nil {
		return
	}

	switch s.Status {
	case Finalized:
		e.evHandler("consensus: finalized: proposal %s at height %d: weight[%d/%d]", s.Proposal.ID, s.Proposal.Height, s.ApproveWeight, e.TotalWeight())
		if e.onFinalize != nil {
			e.onFinalize(s.Proposal)
		}

	case Rejected:
		e.evHandler("consensus: rejected: proposal %s at height %d: weight[%d/%d]", s.Proposal.ID, s.Proposal.Height, s.ApproveWeight, e.TotalWeight())
		if e.onReject != nil {
			e.onReject(s.Proposal)
		}
	}
}
