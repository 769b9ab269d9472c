// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/seagullcoin/blockchain/foundation/blockchain/consensus"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
)

// Default values used when the genesis file leaves a setting out.
const (
	DefaultFee             database.Amount = 2000 // 0.00002 coins.
	DefaultTransPerBlock                   = 100
	DefaultQuorum                          = 0.67
	DefaultBlockInterval                   = 5 * time.Second
	DefaultProposalTimeout                 = 30 * time.Second
)

// Allocation represents coins credited to an address in the genesis block.
type Allocation struct {
	Address string          `json:"address"`
	Amount  database.Amount `json:"amount"`
}

// Genesis represents the genesis file.
type Genesis struct {
	Date              time.Time             `json:"date"`
	ChainID           uint16                `json:"chain_id"`            // The chain id represents an unique id for this running instance.
	Fee               database.Amount       `json:"fee"`                 // Fixed fee paid by the sender of every transaction.
	TransPerBlock     int                   `json:"trans_per_block"`     // The maximum number of transactions that can be in a block.
	BlockIntervalMS   int64                 `json:"block_interval_ms"`   // How often a validator gets a chance to propose a block.
	ProposalTimeoutMS int64                 `json:"proposal_timeout_ms"` // How long a proposal can collect votes before it's rejected.
	Quorum            float64               `json:"quorum"`              // Fraction of validator weight needed to finalize.
	Allocations       []Allocation          `json:"allocations"`
	Validators        []consensus.Validator `json:"validators"`
}

// Default returns a genesis suitable for a single validator development node.
func Default() Genesis {
	return Genesis{
		Date:    time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		ChainID: 1,
		Fee:     DefaultFee,
		Allocations: []Allocation{
			{Address: "SEAGULL1", Amount: database.Coins(1000)},
		},
		Validators: []consensus.Validator{
			{ID: "node1", Weight: 1},
		},
	}.withDefaults()
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, fmt.Errorf("decoding genesis: %w", err)
	}

	genesis = genesis.withDefaults()
	if err := genesis.validate(); err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}

// Block constructs the genesis block. The block timestamp comes from the
// genesis date so every node produces the same hash.
func (g Genesis) Block() database.Block {
	allocs := make([]database.Tx, len(g.Allocations))
	for i, a := range g.Allocations {
		allocs[i] = database.NewAllocationTx(a.Address, a.Amount)
	}

	return database.CreateGenesisBlock(allocs, g.Date)
}

// BlockInterval returns the proposer cycle duration.
func (g Genesis) BlockInterval() time.Duration {
	return time.Duration(g.BlockIntervalMS) * time.Millisecond
}

// ProposalTimeout returns how long a proposal may stay undecided.
func (g Genesis) ProposalTimeout() time.Duration {
	return time.Duration(g.ProposalTimeoutMS) * time.Millisecond
}

// withDefaults fills in any setting left out of the file.
func (g Genesis) withDefaults() Genesis {
	if g.Fee == 0 {
		g.Fee = DefaultFee
	}
	if g.TransPerBlock == 0 {
		g.TransPerBlock = DefaultTransPerBlock
	}
	if g.Quorum == 0 {
		g.Quorum = DefaultQuorum
	}
	if g.BlockIntervalMS == 0 {
		g.BlockIntervalMS = DefaultBlockInterval.Milliseconds()
	}
	if g.ProposalTimeoutMS == 0 {
		g.ProposalTimeoutMS = DefaultProposalTimeout.Milliseconds()
	}
	for i := range g.Validators {
		if g.Validators[i].Weight == 0 {
			g.Validators[i].Weight = 1
		}
	}

	return g
}

// validate checks the settings make sense.
func (g Genesis) validate() error {
	if g.Fee < 0 {
		return errors.New("genesis fee can't be negative")
	}

	if g.Quorum <= 0 || g.Quorum > 1 {
		return fmt.Errorf("genesis quorum must be in (0, 1], got %v", g.Quorum)
	}

	for _, a := range g.Allocations {
		if a.Address == "" || a.Amount <= 0 {
			return fmt.Errorf("genesis allocation %q must have an address and a positive amount", a.Address)
		}
	}

	if len(g.Validators) == 0 {
		return errors.New("genesis must name at least one validator")
	}

	return nil
}
