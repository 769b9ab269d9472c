package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status represents where a proposal is in its life.
type Status int

// Set of proposal states. Finalized and Rejected are terminal.
const (
	Proposed Status = iota
	Voting
	Finalized
	Rejected
)

var statusNames = map[Status]string{
	Proposed:  "proposed",
	Voting:    "voting",
	Finalized: "finalized",
	Rejected:  "rejected",
}

// String implements the fmt.Stringer interface.
func (s Status) String() string {
	if name, exists := statusNames[s]; exists {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decided reports whether the status is terminal.
func (s Status) Decided() bool {
	return s == Finalized || s == Rejected
}

// =============================================================================

// Proposal represents a payload a validator wants the network to agree on.
// For the node the payload is a candidate block.
type Proposal struct {
	ID       string          `json:"id"`
	Height   uint64          `json:"height"`
	Proposer string          `json:"proposer"`
	Payload  json.RawMessage `json:"payload"`
	Created  time.Time       `json:"created"`
}

// NewProposal constructs a proposal carrying the JSON encoding of payload.
func NewProposal(id string, height uint64, proposer string, payload any) (Proposal, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Proposal{}, fmt.Errorf("encoding payload: %w", err)
	}

	return Proposal{
		ID:       id,
		Height:   height,
		Proposer: proposer,
		Payload:  data,
		Created:  time.Now().UTC(),
	}, nil
}

// Validate checks the proposal has an id and carries a payload.
func (p Proposal) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidProposal)
	}

	payload := bytes.TrimSpace(p.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return fmt.Errorf("%w: proposal %s has no payload", ErrInvalidProposal, p.ID)
	}

	return nil
}

// =============================================================================

// Vote represents a validator's opinion of a proposal.
type Vote struct {
	ProposalID string `json:"proposal_id"`
	Validator  string `json:"validator"`
	Approve    bool   `json:"approve"`
}

// ID identifies the vote for deduplication on the network.
func (v Vote) ID() string {
	return v.ProposalID + ":" + v.Validator
}

// Validate checks the vote names a proposal and a validator.
func (v Vote) Validate() error {
	if v.ProposalID == "" || v.Validator == "" {
		return fmt.Errorf("%w: vote must name a proposal and a validator", ErrInvalidVote)
	}
	return nil
}

// =============================================================================

// Summary describes a proposal and the votes it has collected.
type Summary struct {
	Proposal      Proposal `json:"proposal"`
	Status        Status   `json:"status"`
	Votes         int      `json:"votes"`
	ApproveWeight uint64   `json:"approve_weight"`
	RejectWeight  uint64   `json:"reject_weight"`
}
