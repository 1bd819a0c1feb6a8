package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mindware/bioterminal/internal/bioterm/store"
)

var (
	// ErrSlotsExhausted means every template slot in range is bound or
	// reserved. Operator remediation (deleting fingerprints) is required.
	ErrSlotsExhausted = errors.New("no fingerprint slots available")
)

// SlotAllocator hands out sensor template slots. Computing the next free
// slot and inserting the binding are covered by one reservation: a slot a
// caller holds is invisible to other Reserve calls until it is either
// committed as a binding or released, so two concurrent enrollments can
// never settle on the same slot. The store's ClaimSlot check-and-insert
// backstops the reservation.
type SlotAllocator struct {
	store    store.IdentityStore
	maxSlots int

	mu       sync.Mutex
	reserved map[int]struct{}
}

func NewSlotAllocator(st store.IdentityStore, maxSlots int) *SlotAllocator {
	if maxSlots <= 0 {
		maxSlots = 128
	}
	return &SlotAllocator{
		store:    st,
		maxSlots: maxSlots,
		reserved: make(map[int]struct{}),
	}
}

// Reserve picks the lowest slot in [0, maxSlots) that is neither bound nor
// reserved and holds it. Freed low slots are always reused before a higher
// slot is ever handed out.
func (a *SlotAllocator) Reserve(ctx context.Context) (int, error) {
	bound, err := a.store.BoundSlots(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan bound slots: %w", err)
	}

	inUse := make(map[int]struct{}, len(bound))
	for _, s := range bound {
		inUse[s] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for slot := 0; slot < a.maxSlots; slot++ {
		if _, ok := inUse[slot]; ok {
			continue
		}
		if _, ok := a.reserved[slot]; ok {
			continue
		}
		a.reserved[slot] = struct{}{}
		return slot, nil
	}
	return 0, ErrSlotsExhausted
}

// Release frees a reservation without binding it, after a failed enrollment.
func (a *SlotAllocator) Release(slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, slot)
}

// Commit converts a reservation into a persisted binding and frees the
// reservation. A store.ErrDuplicateSlot return means the slot was bound
// behind the allocator's back; the caller retries with a fresh Reserve.
func (a *SlotAllocator) Commit(ctx context.Context, agentID int64, slot int) (int64, error) {
	defer a.Release(slot)
	return a.store.ClaimSlot(ctx, agentID, slot)
}
