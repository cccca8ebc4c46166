// Package memory implements the CVM's hybrid memory model: a per-slot
// ownership ledger for stack-resident values and a mark-sweep collector
// for heap-allocated objects (closures, records).
//
// The two mechanisms cooperate: ownership tracking covers values whose
// lifetime follows the frame stack, while the collector reclaims heap
// objects reachable only through moves and aliases that escape simple
// ownership tracking. Collection runs only at safe points chosen by the
// execution engine, never mid-instruction.
package memory

import (
	"github.com/rs/zerolog"
)

// DefaultGCThreshold is the number of heap allocations between
// threshold-triggered collection cycles.
const DefaultGCThreshold = 256

// Manager owns the ownership ledger and the heap arena for one VM
// instance. It is not safe for concurrent use; a VM executes strictly
// sequentially and independent VMs get independent managers.
type Manager struct {
	frames      []frameLedger
	heap        []cell
	free        []int
	live        int
	allocs      int
	threshold   int
	unsafeDepth int
	logger      zerolog.Logger
}

// Option is a configuration function for a Manager.
type Option func(*Manager)

// WithGCThreshold sets the allocation count that marks a collection as
// due at the next safe point.
func WithGCThreshold(threshold int) Option {
	return func(m *Manager) {
		if threshold > 0 {
			m.threshold = threshold
		}
	}
}

// WithLogger sets the logger used for collection diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager with no frames and an empty heap.
func NewManager(options ...Option) *Manager {
	m := &Manager{
		threshold: DefaultGCThreshold,
		logger:    zerolog.Nop(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// EnterUnsafe begins an unsafe region: ownership and borrow checks are
// suppressed until the matching ExitUnsafe. Regions nest. GC safety is
// never suppressed.
func (m *Manager) EnterUnsafe() {
	m.unsafeDepth++
}

// ExitUnsafe ends the innermost unsafe region.
func (m *Manager) ExitUnsafe() {
	if m.unsafeDepth > 0 {
		m.unsafeDepth--
	}
}

// InUnsafe reports whether an unsafe region is active.
func (m *Manager) InUnsafe() bool {
	return m.unsafeDepth > 0
}
