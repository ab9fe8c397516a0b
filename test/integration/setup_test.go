//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindcare/mindcare/internal/domain/history"
	"github.com/mindcare/mindcare/internal/platform/db"
)

// testDB holds the shared database for the integration suite.
type testDB struct {
	Pool          *pgxpool.Pool
	ConnStr       string
	MigrationsDir string
}

var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tdb, cleanup, err := setupDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up postgres: %v\n", err)
		os.Exit(1)
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupDatabase uses INTEGRATION_DATABASE_URL when set and otherwise starts
// a throwaway container. Migrations are applied either way.
func setupDatabase(ctx context.Context) (*testDB, func(), error) {
	connStr := os.Getenv("INTEGRATION_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("start postgres container: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	dir := findMigrationsDir()
	if _, err := db.NewMigrator(pool, dir).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &testDB{Pool: pool, ConnStr: connStr, MigrationsDir: dir}, func() {
		pool.Close()
		cleanup()
	}, nil
}

// findMigrationsDir locates migrations/ relative to this file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// resetTables empties every table so each test starts clean.
func resetTables(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := globalDB.Pool.Exec(ctx, `TRUNCATE patient, phq9_assessment, mood_entry,
		exercise_session, crisis_alert, risk_assessment_audit`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func createTestPatient(t *testing.T, ctx context.Context, svc *history.Service, birth, enrolled time.Time) uuid.UUID {
	t.Helper()
	p := &history.Profile{
		PatientID:  uuid.New(),
		BirthDate:  ptrTime(birth),
		EnrolledAt: ptrTime(enrolled),
	}
	if err := svc.SaveProfile(ctx, p); err != nil {
		t.Fatalf("save profile: %v", err)
	}
	return p.PatientID
}

func countRows(t *testing.T, ctx context.Context, query string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := globalDB.Pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func ptrTime(t time.Time) *time.Time { return &t }

func ptrInt(i int) *int { return &i }

func ptrStr(s string) *string { return &s }
