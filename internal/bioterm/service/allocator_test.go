package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindware/bioterminal/internal/bioterm/service"
	"github.com/mindware/bioterminal/internal/bioterm/store/memory"
)

func TestSlotAllocator_LowestFreeSlotFirst(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	_, err := st.ClaimSlot(ctx, 1, 0)
	require.NoError(t, err)
	_, err = st.ClaimSlot(ctx, 2, 2)
	require.NoError(t, err)

	a := service.NewSlotAllocator(st, 128)
	slot, err := a.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
}

func TestSlotAllocator_ReservationsExcludeEachOther(t *testing.T) {
	st := memory.New()
	a := service.NewSlotAllocator(st, 128)
	ctx := context.Background()

	s1, err := a.Reserve(ctx)
	require.NoError(t, err)
	s2, err := a.Reserve(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
	assert.Equal(t, 0, s1)
	assert.Equal(t, 1, s2)
}

func TestSlotAllocator_ReleaseMakesSlotAvailableAgain(t *testing.T) {
	st := memory.New()
	a := service.NewSlotAllocator(st, 128)
	ctx := context.Background()

	slot, err := a.Reserve(ctx)
	require.NoError(t, err)
	a.Release(slot)

	again, err := a.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, slot, again)
}

func TestSlotAllocator_FreedLowSlotReusedAfterDeletion(t *testing.T) {
	st := memory.New()
	a := service.NewSlotAllocator(st, 128)
	ctx := context.Background()

	for agent := int64(1); agent <= 3; agent++ {
		slot, err := a.Reserve(ctx)
		require.NoError(t, err)
		_, err = a.Commit(ctx, agent, slot)
		require.NoError(t, err)
	}

	// Deleting agent 1 frees slot 0; the next reservation must pick it up
	// before ever allocating slot 3.
	removed, err := st.RemoveBindings(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	slot, err := a.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
}

func TestSlotAllocator_Exhaustion(t *testing.T) {
	st := memory.New()
	a := service.NewSlotAllocator(st, 2)
	ctx := context.Background()

	_, err := a.Reserve(ctx)
	require.NoError(t, err)
	_, err = a.Reserve(ctx)
	require.NoError(t, err)

	_, err = a.Reserve(ctx)
	assert.ErrorIs(t, err, service.ErrSlotsExhausted)
}

func TestSlotAllocator_ConcurrentReservesAreDistinct(t *testing.T) {
	st := memory.New()
	a := service.NewSlotAllocator(st, 128)
	ctx := context.Background()

	const n = 16
	slots := make(chan int, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := a.Reserve(ctx)
			assert.NoError(t, err)
			slots <- slot
		}()
	}
	wg.Wait()
	close(slots)

	seen := map[int]bool{}
	for slot := range slots {
		assert.False(t, seen[slot], "slot %d handed out twice", slot)
		seen[slot] = true
	}
}

func TestSlotAllocator_CommitPersistsBinding(t *testing.T) {
	st := memory.New()
	a := service.NewSlotAllocator(st, 128)
	ctx := context.Background()

	slot, err := a.Reserve(ctx)
	require.NoError(t, err)

	id, err := a.Commit(ctx, 42, slot)
	require.NoError(t, err)
	assert.NotZero(t, id)

	agent, err := st.LookupUserBySlot(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, int64(42), agent)
}
