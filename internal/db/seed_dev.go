package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SeedDevOptions struct {
	CompanyID int64
	OfficeID  int64
}

// SeedDev inserts a couple of demo agents so a bench terminal can enroll
// and identify before the server has pushed any USERINFO commands.
// Existing rows win; re-running is a no-op.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().Format(time.RFC3339)

	seed := []struct {
		agentID int64
		name    string
	}{
		{1001, "Demo Agent"},
		{1002, "Bench Tester"},
	}

	for _, s := range seed {
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO users(company_id, office_id, agent_id, name, enrolled_at)
VALUES (?, ?, ?, ?, ?);`,
			opt.CompanyID, opt.OfficeID, s.agentID, s.name, now,
		); err != nil {
			return fmt.Errorf("seed user %d: %w", s.agentID, err)
		}
	}

	return nil
}
