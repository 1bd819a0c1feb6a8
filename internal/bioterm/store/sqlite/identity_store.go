package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/mindware/bioterminal/internal/db"

	"github.com/mindware/bioterminal/internal/bioterm/store"
	"github.com/mindware/bioterminal/internal/bioterm/types"
)

// IdentityStore persists users, bindings, and the attendance event log in
// the terminal's sqlite database. Every mutation runs through the shared
// single-writer transaction worker; reads hit the connection directly.
type IdentityStore struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewIdentityStore(db *sql.DB, writer *dbpkg.Writer) *IdentityStore {
	return &IdentityStore{db: db, writer: writer}
}

func (s *IdentityStore) UpsertUser(ctx context.Context, companyID, officeID, agentID int64, name string) error {
	enrolledAt := time.Now().UTC().Format(time.RFC3339)

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO users(company_id, office_id, agent_id, name, enrolled_at)
VALUES (?, ?, ?, ?, ?);
`, companyID, officeID, agentID, name, enrolledAt); err != nil {
			return fmt.Errorf("UpsertUser %d: %w", agentID, err)
		}
		return nil
	})
}

func (s *IdentityStore) GetUser(ctx context.Context, agentID int64) (types.User, error) {
	var u types.User
	var enrolledAt string

	err := s.db.QueryRowContext(ctx, `
SELECT company_id, office_id, agent_id, name, enrolled_at
FROM users WHERE agent_id = ?;
`, agentID).Scan(&u.CompanyID, &u.OfficeID, &u.AgentID, &u.Name, &enrolledAt)

	if err == sql.ErrNoRows {
		return types.User{}, store.ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("GetUser %d: %w", agentID, err)
	}

	if t, perr := time.Parse(time.RFC3339, enrolledAt); perr == nil {
		u.EnrolledAt = t
	}
	return u, nil
}

func (s *IdentityStore) ListUsers(ctx context.Context) ([]types.UserListing, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT u.agent_id, u.name, EXISTS(
  SELECT 1 FROM fingerprint_bindings b WHERE b.agent_id = u.agent_id
)
FROM users u
ORDER BY u.name;
`)
	if err != nil {
		return nil, fmt.Errorf("ListUsers: %w", err)
	}
	defer rows.Close()

	var out []types.UserListing
	for rows.Next() {
		var l types.UserListing
		var has int
		if err := rows.Scan(&l.AgentID, &l.Name, &has); err != nil {
			return nil, fmt.Errorf("ListUsers scan: %w", err)
		}
		l.HasBinding = has == 1
		out = append(out, l)
	}
	return out, rows.Err()
}

// ClaimSlot checks and inserts inside one writer transaction, so two
// concurrent enrollments can never both observe a slot as free. The
// UNIQUE(slot) index backstops the check.
func (s *IdentityStore) ClaimSlot(ctx context.Context, agentID int64, slot int) (int64, error) {
	var id int64

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT agent_id FROM fingerprint_bindings WHERE slot = ?;`, slot,
		).Scan(&existing)
		if err == nil {
			return store.ErrDuplicateSlot
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("ClaimSlot check %d: %w", slot, err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO fingerprint_bindings(agent_id, slot) VALUES (?, ?);`,
			agentID, slot,
		)
		if err != nil {
			return fmt.Errorf("ClaimSlot insert %d: %w", slot, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("ClaimSlot id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *IdentityStore) BoundSlots(ctx context.Context) ([]int, error) {
	return s.querySlots(ctx, `SELECT slot FROM fingerprint_bindings ORDER BY slot;`)
}

func (s *IdentityStore) SlotsForUser(ctx context.Context, agentID int64) ([]int, error) {
	return s.querySlots(ctx,
		`SELECT slot FROM fingerprint_bindings WHERE agent_id = ? ORDER BY slot;`, agentID)
}

func (s *IdentityStore) querySlots(ctx context.Context, query string, args ...any) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer rows.Close()

	var slots []int
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

func (s *IdentityStore) CountBindings(ctx context.Context, agentID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fingerprint_bindings WHERE agent_id = ?;`, agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountBindings %d: %w", agentID, err)
	}
	return n, nil
}

func (s *IdentityStore) CountAllBindings(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fingerprint_bindings;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountAllBindings: %w", err)
	}
	return n, nil
}

func (s *IdentityStore) RemoveBindings(ctx context.Context, agentID int64) (int, error) {
	var removed int64

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM fingerprint_bindings WHERE agent_id = ?;`, agentID)
		if err != nil {
			return fmt.Errorf("RemoveBindings %d: %w", agentID, err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("RemoveBindings rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (s *IdentityStore) LookupUserBySlot(ctx context.Context, slot int) (int64, error) {
	var agentID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id FROM fingerprint_bindings WHERE slot = ?;`, slot,
	).Scan(&agentID)
	if err == sql.ErrNoRows {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("LookupUserBySlot %d: %w", slot, err)
	}
	return agentID, nil
}

func (s *IdentityStore) AppendEvent(ctx context.Context, userID int64, eventType, timestamp string) (int64, error) {
	if eventType == "" {
		eventType = types.EventTypeCheckin
	}

	var id int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events(user_id, timestamp, type) VALUES (?, ?, ?);`,
			userID, timestamp, eventType,
		)
		if err != nil {
			return fmt.Errorf("AppendEvent: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("AppendEvent id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *IdentityStore) ListUnsyncedEvents(ctx context.Context) ([]types.AttendanceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, timestamp, type, synced
FROM events WHERE synced = 0
ORDER BY id;
`)
	if err != nil {
		return nil, fmt.Errorf("ListUnsyncedEvents: %w", err)
	}
	defer rows.Close()

	var out []types.AttendanceEvent
	for rows.Next() {
		var ev types.AttendanceEvent
		var synced int
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Timestamp, &ev.Type, &synced); err != nil {
			return nil, fmt.Errorf("ListUnsyncedEvents scan: %w", err)
		}
		ev.Synced = synced == 1
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkSynced is the only write that ever touches the synced flag, and it
// only moves it 0->1. An id that matches no row returns ErrNotFound so the
// caller can log it; the batch is never aborted over it.
func (s *IdentityStore) MarkSynced(ctx context.Context, eventID int64) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE events SET synced = 1 WHERE id = ?;`, eventID,
		)
		if err != nil {
			return fmt.Errorf("MarkSynced %d: %w", eventID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("MarkSynced rows %d: %w", eventID, err)
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
