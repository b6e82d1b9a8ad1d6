package subscription

import (
	"sync/atomic"

	"github.com/starbelly/subscription-engine/wire"
)

// Sequence is a monotonic, process-unique generator of subscription ids.
// It is constructor-injected rather than package-global (the teacher's
// starbelly source used a module-level Sequence): cmd/starbellyd creates
// exactly one Sequence and server.Server passes it to every subscription
// constructor. The Manager does not hold a Sequence.
type Sequence struct {
	next atomic.Uint64
}

// NewSequence returns a Sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next id: 0, 1, 2, ... strictly increasing, never
// repeating, safe for concurrent use.
func (s *Sequence) Next() wire.SubscriptionID {
	return wire.SubscriptionID(s.next.Add(1) - 1)
}
