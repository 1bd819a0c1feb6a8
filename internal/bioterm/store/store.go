package store

import (
	"context"
	"errors"

	"github.com/mindware/bioterminal/internal/bioterm/types"
)

var (
	// ErrNotFound is returned by lookups that matched no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSlot is returned by ClaimSlot when the slot is already
	// bound to an active binding. The allocator treats it as a signal to
	// retry with a different slot; it must never be swallowed.
	ErrDuplicateSlot = errors.New("slot already bound")
)

// IdentityStore is the single source of truth for users, fingerprint-slot
// bindings, and the attendance event log. Implementations serialize all
// mutations (one in-flight write at a time); reads may run concurrently.
type IdentityStore interface {
	// UpsertUser inserts or replaces the user keyed by AgentID and
	// refreshes the enrollment timestamp.
	UpsertUser(ctx context.Context, companyID, officeID, agentID int64, name string) error

	// GetUser returns the user record or ErrNotFound.
	GetUser(ctx context.Context, agentID int64) (types.User, error)

	// ListUsers returns all users ordered by name, each annotated with
	// whether at least one fingerprint binding exists.
	ListUsers(ctx context.Context) ([]types.UserListing, error)

	// ClaimSlot atomically verifies the slot is unbound and inserts the
	// binding, returning its id. Returns ErrDuplicateSlot if the slot is
	// already bound to any active binding.
	ClaimSlot(ctx context.Context, agentID int64, slot int) (int64, error)

	// BoundSlots returns every currently bound slot number, ascending.
	BoundSlots(ctx context.Context) ([]int, error)

	// SlotsForUser returns the slot numbers bound to one agent, ascending.
	SlotsForUser(ctx context.Context, agentID int64) ([]int, error)

	// CountBindings returns the number of active bindings for one agent.
	CountBindings(ctx context.Context, agentID int64) (int, error)

	// CountAllBindings returns the number of active bindings overall.
	CountAllBindings(ctx context.Context) (int, error)

	// RemoveBindings deletes every binding for the agent and returns the
	// count removed. Removing a user with no bindings is not an error.
	RemoveBindings(ctx context.Context, agentID int64) (int, error)

	// LookupUserBySlot returns the agent id owning the slot, or ErrNotFound.
	LookupUserBySlot(ctx context.Context, slot int) (int64, error)

	// AppendEvent durably inserts an immutable attendance event and returns
	// its id. The row is committed before AppendEvent returns.
	AppendEvent(ctx context.Context, userID int64, eventType, timestamp string) (int64, error)

	// ListUnsyncedEvents returns all events with synced=0 in creation order.
	ListUnsyncedEvents(ctx context.Context) ([]types.AttendanceEvent, error)

	// MarkSynced sets synced=1 for the event. An unknown id returns
	// ErrNotFound; callers log and continue, never abort the batch.
	MarkSynced(ctx context.Context, eventID int64) error
}
