package subscription

import (
	"gopkg.in/tomb.v2"

	"github.com/starbelly/subscription-engine/wire"
)

// Task is a runnable Subscription Task (spec.md §2 "Subscription Task
// (abstract)"): a CrawlSync or JobStatus subscription that owns a producer
// loop emitting messages on a socket until cancelled or complete.
//
// start launches the producer goroutine under a fresh tomb.Tomb and
// returns it; the Manager uses the tomb to request cancellation (Kill) and
// to await acknowledged termination (Wait), which is how this module
// implements spec.md §5's cooperative-cancellation requirement without a
// hand-rolled done-channel per task.
type Task interface {
	ID() wire.SubscriptionID
	Socket() wire.Socket
	start() *tomb.Tomb
}

// runProducer wraps a producer loop body in a tomb.Tomb. The body receives
// the tomb so it can select on t.Dying() at every suspension point, per
// spec.md §5.
func runProducer(body func(t *tomb.Tomb) error) *tomb.Tomb {
	var t tomb.Tomb
	t.Go(func() error {
		return body(&t)
	})
	return &t
}
