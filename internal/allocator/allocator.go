// Package allocator assigns integer indices out of a fixed contiguous range,
// keyed externally by hostname, with a rotating handout policy and an
// explicit disable gate used when a network is being torn down.
package allocator

import (
	"fmt"
	"sync"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

// Allocator owns a finite contiguous integer range [lower, lower+size) and
// hands out indices keyed by hostname. A single Allocator instance backs one
// network's attachment address space; the caller maps indices to IPv4
// addresses against its own subnet base.
type Allocator struct {
	mu       sync.Mutex
	lower    int
	size     int
	used     map[int]string // index -> hostname
	byHost   map[string]int // hostname -> index
	cursor   int            // next index to consider, relative to lower
	disabled bool
}

// New constructs an Allocator over [lower, lower+size).
func New(lower, size int) *Allocator {
	return &Allocator{
		lower:  lower,
		size:   size,
		used:   make(map[int]string),
		byHost: make(map[string]int),
	}
}

// Allocate hands out the next free index for hostname. The scan starts just
// past the last handed-out index and wraps once, so free indices ahead of
// that position are handed out before an index freed behind it. Fails with
// kerr.Exists if hostname is already bound, or kerr.InvalidState (message
// "allocator disabled" or "allocator exhausted") if the allocator has been
// disabled or no index is free.
func (a *Allocator) Allocate(hostname string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disabled {
		return 0, kerr.InvalidStatef("allocator disabled")
	}
	if _, ok := a.byHost[hostname]; ok {
		return 0, kerr.Existsf("hostname %q already allocated", hostname)
	}
	if len(a.used) >= a.size {
		return 0, kerr.InvalidStatef("allocator exhausted")
	}

	for i := 0; i < a.size; i++ {
		offset := (a.cursor + i) % a.size
		idx := a.lower + offset
		if _, taken := a.used[idx]; !taken {
			a.used[idx] = hostname
			a.byHost[hostname] = idx
			a.cursor = (offset + 1) % a.size
			return idx, nil
		}
	}
	// Unreachable given the count check above, but kept as a defensive
	// fallback in case bookkeeping ever drifts.
	return 0, kerr.InvalidStatef("allocator exhausted")
}

// Release frees the index bound to hostname, if any. Releasing an
// unallocated hostname is a no-op.
func (a *Allocator) Release(hostname string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.byHost[hostname]
	if !ok {
		return
	}
	delete(a.byHost, hostname)
	delete(a.used, idx)
}

// Disable prevents all future allocations. It returns true iff the allocator
// currently holds no live allocations, matching the network service's
// requirement that disabling only succeeds while no attachment is active.
func (a *Allocator) Disable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.used) > 0 {
		return false
	}
	a.disabled = true
	return true
}

// Count returns the number of indices currently allocated.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Lookup returns the index bound to hostname, if any.
func (a *Allocator) Lookup(hostname string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.byHost[hostname]
	return idx, ok
}

// String renders the allocator's bounds for logging.
func (a *Allocator) String() string {
	return fmt.Sprintf("allocator[%d,%d) used=%d disabled=%v", a.lower, a.lower+a.size, len(a.used), a.disabled)
}
