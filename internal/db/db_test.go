package db_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/mindware/bioterminal/internal/db"
)

func openMigrated(t *testing.T) *sql.DB {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		t.Name(),
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	conn.SetMaxOpenConns(1)

	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// ═══════════════════════════════════════════════════════════════════════
// Migrations
// ═══════════════════════════════════════════════════════════════════════

func TestMigrate_CreatesSchema(t *testing.T) {
	conn := openMigrated(t)

	for _, table := range []string{"users", "fingerprint_bindings", "events"} {
		var name string
		err := conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?;", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migrate: %v", table, err)
		}
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	conn := openMigrated(t)

	if err := db.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM schema_migrations;").Scan(&n); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recorded migration, got %d", n)
	}
}

// ═══════════════════════════════════════════════════════════════════════
// Writer
// ═══════════════════════════════════════════════════════════════════════

func TestWriter_CommitsOnSuccess(t *testing.T) {
	conn := openMigrated(t)
	w := db.NewWriter(conn)
	defer w.Close()

	ctx := context.Background()
	err := w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO users(company_id, office_id, agent_id, name, enrolled_at) VALUES(2, 4, 1, 'A', '');")
		return err
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM users;").Scan(&n); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 user after commit, got %d", n)
	}
}

func TestWriter_RollsBackOnError(t *testing.T) {
	conn := openMigrated(t)
	w := db.NewWriter(conn)
	defer w.Close()

	boom := errors.New("boom")
	ctx := context.Background()
	err := w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO users(company_id, office_id, agent_id, name, enrolled_at) VALUES(2, 4, 1, 'A', '');"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM users;").Scan(&n); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if n != 0 {
		t.Errorf("expected rollback to leave 0 users, got %d", n)
	}
}

func TestWriter_SerializesConcurrentJobs(t *testing.T) {
	conn := openMigrated(t)
	w := db.NewWriter(conn)
	defer w.Close()

	const jobs = 16
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(agent int64) {
			defer wg.Done()
			err := w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					"INSERT INTO users(company_id, office_id, agent_id, name, enrolled_at) VALUES(2, 4, ?, 'A', '');",
					agent)
				return err
			})
			if err != nil {
				t.Errorf("Do(agent %d): %v", agent, err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM users;").Scan(&n); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if n != jobs {
		t.Errorf("expected %d users, got %d", jobs, n)
	}
}
