package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/seagullcoin/blockchain/foundation/blockchain/consensus"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/peer"
)

// MessageType identifies the payload carried by an envelope.
type MessageType string

// Set of message types exchanged between nodes.
const (
	TypeTx      MessageType = "TX"
	TypeBlock   MessageType = "BLOCK"
	TypePropose MessageType = "PROPOSE"
	TypeVote    MessageType = "VOTE"
	TypeHello   MessageType = "HELLO"
	TypeSync    MessageType = "SYNC"
	TypeChain   MessageType = "CHAIN"
)

// SyncRequest asks a peer for its blocks starting at the specified index.
type SyncRequest struct {
	From uint64 `json:"from"`
}

// Envelope is the JSON frame sent over a gossip connection. Only the field
// matching the type is set.
type Envelope struct {
	Type     MessageType      `json:"type"`
	Tx       *database.Tx     `json:"tx,omitempty"`
	Block    *database.Block  `json:"block,omitempty"`
	Proposer string           `json:"proposer,omitempty"`
	Vote     *consensus.Vote  `json:"vote,omitempty"`
	Hello    *peer.PeerStatus `json:"hello,omitempty"`
	Sync     *SyncRequest     `json:"sync,omitempty"`
	Chain    []database.Block `json:"chain,omitempty"`
}

// NewTxMessage constructs a TX envelope.
func NewTxMessage(tx database.Tx) Envelope {
	tx = tx.Identify()
	return Envelope{Type: TypeTx, Tx: &tx}
}

// NewBlockMessage constructs a BLOCK envelope for a finalized block.
func NewBlockMessage(block database.Block) Envelope {
	return Envelope{Type: TypeBlock, Block: &block}
}

// NewProposeMessage constructs a PROPOSE envelope for a candidate block.
func NewProposeMessage(proposer string, block database.Block) Envelope {
	return Envelope{Type: TypePropose, Proposer: proposer, Block: &block}
}

// NewVoteMessage constructs a VOTE envelope.
func NewVoteMessage(vote consensus.Vote) Envelope {
	return Envelope{Type: TypeVote, Vote: &vote}
}

// NewHelloMessage constructs a HELLO envelope.
func NewHelloMessage(status peer.PeerStatus) Envelope {
	return Envelope{Type: TypeHello, Hello: &status}
}

// NewSyncMessage constructs a SYNC envelope.
func NewSyncMessage(from uint64) Envelope {
	return Envelope{Type: TypeSync, Sync: &SyncRequest{From: from}}
}

// NewChainMessage constructs a CHAIN envelope.
func NewChainMessage(blocks []database.Block) Envelope {
	return Envelope{Type: TypeChain, Chain: blocks}
}

// Key returns the identity used to recognize a flooded message that has
// already been seen. Point to point messages return false.
func (env Envelope) Key() (string, bool) {
	switch env.Type {
	case TypeTx:
		return string(env.Type) + ":" + env.Tx.ID, true
	case TypeBlock, TypePropose:
		return string(env.Type) + ":" + env.Block.Hash, true
	case TypeVote:
		return fmt.Sprintf("%s:%s:%t", env.Type, env.Vote.ID(), env.Vote.Approve), true
	}

	return "", false
}

// Known reports whether the type is one this node understands.
func (env Envelope) Known() bool {
	switch env.Type {
	case TypeTx, TypeBlock, TypePropose, TypeVote, TypeHello, TypeSync, TypeChain:
		return true
	}
	return false
}

// Decode parses a frame. Frames that aren't JSON or that carry a known type
// without its payload return ErrMalformedMessage. Unknown types decode
// without error so the caller can log and ignore them.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var missing bool
	switch env.Type {
	case TypeTx:
		missing = env.Tx == nil
		if !missing {
			tx := env.Tx.Identify()
			env.Tx = &tx
		}
	case TypeBlock, TypePropose:
		missing = env.Block == nil
	case TypeVote:
		missing = env.Vote == nil
	case TypeHello:
		missing = env.Hello == nil
	case TypeSync:
		missing = env.Sync == nil
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	if missing {
		return Envelope{}, fmt.Errorf("%w: %s without payload", ErrMalformedMessage, env.Type)
	}

	return env, nil
}
