package database

import "fmt"

// LinkError describes a block whose previous hash does not match the hash of
// its predecessor.
type LinkError struct {
	Index    uint64
	Expected string
	Got      string
}

// Error implements the error interface.
func (le LinkError) Error() string {
	return fmt.Sprintf("%s: block %d previous hash %s, exp %s", ErrChainLinkBroken, le.Index, le.Got, le.Expected)
}

// Unwrap allows errors.Is to match ErrChainLinkBroken.
func (le LinkError) Unwrap() error {
	return ErrChainLinkBroken
}

// VerifyChain walks the blocks in order and reports every broken link. Only
// linkage is checked, transactions are not replayed.
func VerifyChain(blocks []Block) []LinkError {
	var broken []LinkError
	for i := 1; i < len(blocks); i++ {
		exp := CalculateHash(blocks[i-1])
		if blocks[i].PreviousHash != exp {
			broken = append(broken, LinkError{
				Index:    blocks[i].Index,
				Expected: exp,
				Got:      blocks[i].PreviousHash,
			})
		}
	}

	return broken
}

// IsChainValid reports whether every block links to its predecessor.
func IsChainValid(blocks []Block) bool {
	return len(VerifyChain(blocks)) == 0
}
