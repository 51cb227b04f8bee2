package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lexconsult/lexconsult/internal/domain/consultation"
	"github.com/lexconsult/lexconsult/internal/platform/db"
	"github.com/lexconsult/lexconsult/internal/platform/lock"
	"github.com/lexconsult/lexconsult/internal/platform/signaling"
	"github.com/lexconsult/lexconsult/migrations"
)

// testDB holds the shared database for integration tests.
type testDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
}

// globalDB is initialized once in TestMain. It stays nil when neither
// DATABASE_URL nor Docker is available, and every test then skips.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tdb, cleanup, err := setupPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres unavailable, skipping integration tests: %v\n", err)
	} else {
		globalDB = tdb
	}

	code := m.Run()
	if cleanup != nil {
		cleanup()
	}
	os.Exit(code)
}

// setupPostgres connects to DATABASE_URL when set, otherwise starts a
// container, and applies the embedded migrations.
func setupPostgres(ctx context.Context) (*testDB, func(), error) {
	connStr := os.Getenv("DATABASE_URL")
	stop := func() {}
	if connStr == "" {
		var err error
		connStr, stop, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	pool, err := db.NewPool(ctx, connStr, 20, 2)
	if err != nil {
		stop()
		return nil, nil, err
	}

	m := db.NewMigrator(pool, migrations.FS, zerolog.Nop())
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		pool.Close()
		stop()
		return nil, nil, err
	}

	return &testDB{Pool: pool, ConnStr: connStr}, func() {
		pool.Close()
		stop()
	}, nil
}

func requireDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if globalDB == nil {
		t.Skip("no postgres available (set DATABASE_URL or install docker)")
	}
	return globalDB.Pool
}

// createUser inserts a user row and returns its domain view.
func createUser(t *testing.T, pool *pgxpool.Pool, role consultation.Role) *consultation.User {
	t.Helper()
	u := &consultation.User{
		ID:          uuid.New(),
		Role:        role,
		DisplayName: string(role) + "-" + uuid.NewString()[:8],
		Active:      true,
	}
	_, err := pool.Exec(context.Background(),
		`INSERT INTO users (id, role, display_name, active) VALUES ($1, $2, $3, $4)`,
		u.ID, string(u.Role), u.DisplayName, u.Active)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return u
}

// newReplica returns a Service over the shared pool with its own in-process
// locker, as a separate server process would have.
func newReplica(t *testing.T, pool *pgxpool.Pool) *consultation.Service {
	t.Helper()
	provider, err := signaling.NewJWTProvider([]byte("integration-signaling-secret"), "lexconsult-test")
	if err != nil {
		t.Fatalf("NewJWTProvider: %v", err)
	}
	svc := consultation.NewService(consultation.NewRepoPG(pool), consultation.Options{
		Locker:         lock.NewLocalLocker(),
		Signaling:      provider,
		Location:       time.UTC,
		MeetingBaseURL: "https://meet.lexconsult.test",
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(svc.Wait)
	return svc
}

// futureHour is a whole hour at least two days ahead, so bookings are never
// in the past.
func futureHour(offset time.Duration) time.Time {
	return time.Now().UTC().Truncate(time.Hour).Add(48*time.Hour + offset)
}

func as(u *consultation.User) consultation.Actor {
	return consultation.Actor{UserID: u.ID, Role: u.Role}
}

func expectKind(t *testing.T, err error, want consultation.Kind) {
	t.Helper()
	if got := consultation.KindOf(err); got != want {
		t.Fatalf("expected %q error, got %v", want, err)
	}
}
