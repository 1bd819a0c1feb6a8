// Package memory holds an in-memory IdentityStore used by service and
// sync-engine tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mindware/bioterminal/internal/bioterm/store"
	"github.com/mindware/bioterminal/internal/bioterm/types"
)

type IdentityStore struct {
	mu sync.RWMutex

	users    map[int64]types.User
	bindings []types.FingerprintBinding
	events   []types.AttendanceEvent

	nextBindingID int64
	nextEventID   int64
}

func New() *IdentityStore {
	return &IdentityStore{
		users:         make(map[int64]types.User),
		nextBindingID: 1,
		nextEventID:   1,
	}
}

func (s *IdentityStore) UpsertUser(_ context.Context, companyID, officeID, agentID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[agentID] = types.User{
		CompanyID:  companyID,
		OfficeID:   officeID,
		AgentID:    agentID,
		Name:       name,
		EnrolledAt: time.Now().UTC(),
	}
	return nil
}

func (s *IdentityStore) GetUser(_ context.Context, agentID int64) (types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[agentID]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *IdentityStore) ListUsers(_ context.Context) ([]types.UserListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.UserListing, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, types.UserListing{
			AgentID:    u.AgentID,
			Name:       u.Name,
			HasBinding: s.countBindingsLocked(u.AgentID) > 0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *IdentityStore) ClaimSlot(_ context.Context, agentID int64, slot int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.bindings {
		if b.Slot == slot {
			return 0, store.ErrDuplicateSlot
		}
	}

	id := s.nextBindingID
	s.nextBindingID++
	s.bindings = append(s.bindings, types.FingerprintBinding{ID: id, AgentID: agentID, Slot: slot})
	return id, nil
}

func (s *IdentityStore) BoundSlots(_ context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slots := make([]int, 0, len(s.bindings))
	for _, b := range s.bindings {
		slots = append(slots, b.Slot)
	}
	sort.Ints(slots)
	return slots, nil
}

func (s *IdentityStore) SlotsForUser(_ context.Context, agentID int64) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var slots []int
	for _, b := range s.bindings {
		if b.AgentID == agentID {
			slots = append(slots, b.Slot)
		}
	}
	sort.Ints(slots)
	return slots, nil
}

func (s *IdentityStore) CountBindings(_ context.Context, agentID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countBindingsLocked(agentID), nil
}

func (s *IdentityStore) countBindingsLocked(agentID int64) int {
	n := 0
	for _, b := range s.bindings {
		if b.AgentID == agentID {
			n++
		}
	}
	return n
}

func (s *IdentityStore) CountAllBindings(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings), nil
}

func (s *IdentityStore) RemoveBindings(_ context.Context, agentID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.bindings[:0]
	removed := 0
	for _, b := range s.bindings {
		if b.AgentID == agentID {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	s.bindings = kept
	return removed, nil
}

func (s *IdentityStore) LookupUserBySlot(_ context.Context, slot int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bindings {
		if b.Slot == slot {
			return b.AgentID, nil
		}
	}
	return 0, store.ErrNotFound
}

func (s *IdentityStore) AppendEvent(_ context.Context, userID int64, eventType, timestamp string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eventType == "" {
		eventType = types.EventTypeCheckin
	}

	id := s.nextEventID
	s.nextEventID++
	s.events = append(s.events, types.AttendanceEvent{
		ID:        id,
		UserID:    userID,
		Timestamp: timestamp,
		Type:      eventType,
	})
	return id, nil
}

func (s *IdentityStore) ListUnsyncedEvents(_ context.Context) ([]types.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.AttendanceEvent
	for _, ev := range s.events {
		if !ev.Synced {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *IdentityStore) MarkSynced(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].ID == eventID {
			s.events[i].Synced = true
			return nil
		}
	}
	return store.ErrNotFound
}

// Events returns a copy of every event, for test assertions.
func (s *IdentityStore) Events() []types.AttendanceEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.AttendanceEvent, len(s.events))
	copy(out, s.events)
	return out
}
