package state

import "time"

// ExpireProposals rejects the proposals that have been collecting votes for
// longer than the proposal timeout. The number rejected is returned.
func (s *State) ExpireProposals(now time.Time) int {
	return len(s.engine.Expire(now))
}
