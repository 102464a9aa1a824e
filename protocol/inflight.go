package protocol

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/cortexlab/instrclient/wire"
)

// Completion bundles the handlers associated with one outstanding
// GET/ACTN command, plus the opaque user data reference threaded back
// through every callback.
type Completion struct {
	UserData interface{}
	OnAck    func(userData interface{}, seq uint32)
	OnNak    func(userData interface{}, seq uint32, statusCode uint32)
	OnResp   func(userData interface{}, seq uint32, subcommand uint32, statusCode uint32, data []byte)
}

type inflightEntry struct {
	completion Completion
	ackLatch   bool
}

// InflightTable allocates sequence numbers and tracks one entry per
// outstanding request. All operations are serialized by one mutex;
// callers must lift entries out and invoke completions outside the
// lock to avoid re-entrancy deadlocks (see SPEC_FULL.md §4.C).
type InflightTable struct {
	mu      sync.Mutex
	next    uint32
	entries map[uint32]*inflightEntry

	// retired remembers recently-deleted sequence numbers for a short
	// window so a slow straggler reply can't be misrouted onto a
	// freshly reused value; this narrows, but per spec does not
	// eliminate, the probability of collision after wraparound.
	retired *cache.Cache
}

// NewInflightTable constructs an empty table with the generator
// positioned at the sequence floor.
func NewInflightTable() *InflightTable {
	return &InflightTable{
		next:    wire.SequenceFloor,
		entries: make(map[uint32]*inflightEntry),
		retired: cache.New(2*time.Second, 10*time.Second),
	}
}

// allocateLocked returns a sequence number not currently in flight,
// not the reserved sentinel 0, and not one of the recently retired
// values still in the dedup window. It must be called with the table
// lock held by the caller via Add, so it is unexported; Add is the
// only public entry point that allocates.
func (t *InflightTable) allocateLocked() uint32 {
	for {
		t.next++
		if t.next == wire.NoSequence {
			t.next++
		}
		candidate := t.next
		if _, busy := t.entries[candidate]; busy {
			continue
		}
		key := seqKey(candidate)
		if _, recent := t.retired.Get(key); recent {
			continue
		}
		return candidate
	}
}

// Add allocates a fresh sequence number, registers completion against
// it, and returns the sequence. Matches spec.md's add(seq, completion)
// folded together with allocateSequence() since every caller needs
// both in one atomic step.
func (t *InflightTable) Add(completion Completion) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.allocateLocked()
	t.entries[seq] = &inflightEntry{completion: completion}
	return seq
}

// Retrieve looks up an entry without removing it. The first returned
// bool is the entry's ACK latch; the second reports presence.
func (t *InflightTable) Retrieve(seq uint32) (Completion, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[seq]
	if !ok {
		return Completion{}, false, false
	}
	return e.completion, e.ackLatch, true
}

// SetAckLatch sets the write-once ACK latch for seq. Calling this a
// second time for the same sequence is a programming error per
// spec.md I-on the latch; callers must check the latch via Retrieve
// first (see protocol/dispatch.go's double-ACK handling, which
// detects this at the protocol layer instead of panicking here, since
// a malicious/buggy peer -- not a local programming mistake -- is the
// realistic trigger).
func (t *InflightTable) SetAckLatch(seq uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[seq]; ok {
		e.ackLatch = true
	}
}

// Delete removes seq from the table. A no-op if seq is the reserved
// sentinel or absent. Returns the completion and whether the ACK
// latch had been set, for callers that need to act on the now-removed
// entry outside the lock.
func (t *InflightTable) Delete(seq uint32) (Completion, bool, bool) {
	if seq == wire.NoSequence {
		return Completion{}, false, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[seq]
	if !ok {
		return Completion{}, false, false
	}
	delete(t.entries, seq)
	t.retired.SetDefault(seqKey(seq), struct{}{})
	return e.completion, e.ackLatch, true
}

// Clear drops all entries, e.g. on disconnect. It does not invoke any
// completion; callers that need cancellation notifications must do so
// themselves before or after calling Clear.
func (t *InflightTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint32]*inflightEntry)
}

// Len reports the number of currently in-flight entries. Test-only
// convenience; not part of the protocol contract.
func (t *InflightTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func seqKey(seq uint32) string {
	// A fixed-width hex key keeps the cache's internal map from
	// needing to hash variable-length strings.
	const hextable = "0123456789abcdef"
	buf := [8]byte{}
	for i := 7; i >= 0; i-- {
		buf[i] = hextable[seq&0xf]
		seq >>= 4
	}
	return string(buf[:])
}
