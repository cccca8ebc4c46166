package memory

import (
	"github.com/cvm-lang/cvm/errz"
)

// SlotState is the ownership state of one local variable slot.
type SlotState uint8

const (
	// Owned means the slot holds the single valid copy of its value.
	Owned SlotState = iota
	// Moved means the value was transferred out; the slot may not be
	// read until it is written again.
	Moved
	// BorrowedShared means one or more immutable borrows are
	// outstanding on the slot.
	BorrowedShared
	// BorrowedMut means a single mutable borrow is outstanding.
	BorrowedMut
)

func (s SlotState) String() string {
	switch s {
	case Owned:
		return "owned"
	case Moved:
		return "moved"
	case BorrowedShared:
		return "borrowed"
	case BorrowedMut:
		return "borrowed mut"
	default:
		return "unknown"
	}
}

// slotRecord tracks the ownership state machine of one slot. Shared
// borrows are counted; a mutable borrow is exclusive.
type slotRecord struct {
	state  SlotState
	shared int
}

// borrowRef remembers a borrow a frame holds on some owner slot, so the
// borrow can be released when the borrowing frame pops.
type borrowRef struct {
	owner   errz.SlotID
	mutable bool
}

// frameLedger holds the ownership records of one activation frame and
// the borrows that frame holds on other slots.
type frameLedger struct {
	records []slotRecord
	borrows []borrowRef
}

// PushFrame appends a ledger for a new frame with the given number of
// local slots, all initially Owned. Returns the frame depth.
func (m *Manager) PushFrame(localCount int) int {
	m.frames = append(m.frames, frameLedger{
		records: make([]slotRecord, localCount),
	})
	return len(m.frames) - 1
}

// PopFrame releases every borrow the top frame holds and drops its
// ledger. Borrow validity is tied to the lexical lifetime of the
// borrowing frame, so this is the single release point.
func (m *Manager) PopFrame() {
	if len(m.frames) == 0 {
		return
	}
	top := &m.frames[len(m.frames)-1]
	for _, b := range top.borrows {
		m.releaseBorrow(b)
	}
	m.frames = m.frames[:len(m.frames)-1]
}

// FrameDepth returns the number of tracked frames.
func (m *Manager) FrameDepth() int {
	return len(m.frames)
}

func (m *Manager) releaseBorrow(b borrowRef) {
	if b.owner.Frame >= len(m.frames) {
		return
	}
	rec := &m.frames[b.owner.Frame].records[b.owner.Slot]
	if b.mutable {
		if rec.state == BorrowedMut {
			rec.state = Owned
		}
		return
	}
	if rec.shared > 0 {
		rec.shared--
	}
	if rec.state == BorrowedShared && rec.shared == 0 {
		rec.state = Owned
	}
}

// State returns the ownership state of the given slot.
func (m *Manager) State(slot errz.SlotID) SlotState {
	return m.frames[slot.Frame].records[slot.Slot].state
}

// Copy validates a non-consuming read of the slot: scalars are copied
// rather than moved. Reading through an outstanding mutable borrow is a
// conflict; reading a moved slot is a use-after-move.
func (m *Manager) Copy(slot errz.SlotID) error {
	if m.unsafeDepth > 0 {
		return nil
	}
	rec := &m.frames[slot.Frame].records[slot.Slot]
	switch rec.state {
	case Moved:
		return errz.New(errz.FaultUseAfterMove, "read of moved value").WithSlot(slot)
	case BorrowedMut:
		return errz.New(errz.FaultBorrowConflict, "read while mutably borrowed").WithSlot(slot)
	}
	return nil
}

// Move validates and records a consuming read: ownership transfers to
// the destination and the slot enters the Moved state. Moving out of a
// borrowed slot would invalidate the borrow, so it is a conflict.
func (m *Manager) Move(slot errz.SlotID) error {
	if m.unsafeDepth > 0 {
		return nil
	}
	rec := &m.frames[slot.Frame].records[slot.Slot]
	switch rec.state {
	case Moved:
		return errz.New(errz.FaultUseAfterMove, "move of already-moved value").WithSlot(slot)
	case BorrowedShared, BorrowedMut:
		return errz.New(errz.FaultBorrowConflict, "move while borrowed").WithSlot(slot)
	}
	rec.state = Moved
	return nil
}

// Write validates and records a store into the slot. Storing over a
// borrowed slot would pull the value out from under the borrower, so it
// is a conflict. A store re-initializes a Moved slot to Owned.
func (m *Manager) Write(slot errz.SlotID) error {
	rec := &m.frames[slot.Frame].records[slot.Slot]
	if m.unsafeDepth == 0 {
		switch rec.state {
		case BorrowedShared, BorrowedMut:
			return errz.New(errz.FaultBorrowConflict, "store while borrowed").WithSlot(slot)
		}
	}
	rec.state = Owned
	rec.shared = 0
	return nil
}

// BorrowShared records an immutable borrow of the owner slot, held by
// the frame at borrowerFrame. Multiple shared borrows may coexist; a
// shared borrow while a mutable borrow is outstanding is a conflict.
func (m *Manager) BorrowShared(owner errz.SlotID, borrowerFrame int) error {
	if m.unsafeDepth > 0 {
		return nil
	}
	rec := &m.frames[owner.Frame].records[owner.Slot]
	switch rec.state {
	case Moved:
		return errz.New(errz.FaultUseAfterMove, "borrow of moved value").WithSlot(owner)
	case BorrowedMut:
		return errz.New(errz.FaultBorrowConflict, "shared borrow while mutably borrowed").WithSlot(owner)
	}
	rec.state = BorrowedShared
	rec.shared++
	m.frames[borrowerFrame].borrows = append(m.frames[borrowerFrame].borrows,
		borrowRef{owner: owner})
	return nil
}

// BorrowMut records a mutable borrow of the owner slot. A mutable
// borrow excludes every other borrow: a second mutable borrow is its
// own fault kind, a mutable borrow over shared borrows is a conflict.
func (m *Manager) BorrowMut(owner errz.SlotID, borrowerFrame int) error {
	if m.unsafeDepth > 0 {
		return nil
	}
	rec := &m.frames[owner.Frame].records[owner.Slot]
	switch rec.state {
	case Moved:
		return errz.New(errz.FaultUseAfterMove, "borrow of moved value").WithSlot(owner)
	case BorrowedMut:
		return errz.New(errz.FaultDoubleBorrowMutable, "second mutable borrow").WithSlot(owner)
	case BorrowedShared:
		return errz.New(errz.FaultBorrowConflict, "mutable borrow while borrowed").WithSlot(owner)
	}
	rec.state = BorrowedMut
	m.frames[borrowerFrame].borrows = append(m.frames[borrowerFrame].borrows,
		borrowRef{owner: owner, mutable: true})
	return nil
}
