package identity_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	identity "github.com/helioslabs/go-identity"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		db.Close()
	})

	applyMigrations(t, db)

	return db
}

func applyMigrations(t *testing.T, db *bun.DB) {
	t.Helper()

	raw, err := identity.GetMigrationsFS().
		ReadFile("data/sql/migrations/20250101000000_identity_core.up.sql")
	require.NoError(t, err)

	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func newManager(t *testing.T) identity.RepositoryManager {
	t.Helper()
	return identity.NewRepositoryManager(setupDB(t))
}

func newService(t *testing.T, cfg identity.Config, opts ...identity.LifecycleOption) (*identity.LifecycleService, identity.RepositoryManager) {
	t.Helper()

	repo := newManager(t)
	svc, err := identity.NewLifecycleService(repo, cfg, opts...)
	require.NoError(t, err)

	return svc, repo
}

// captureNotifier buffers deliveries so tests can wait on the
// fire-and-forget goroutines.
type captureNotifier struct {
	codes  chan string
	tokens chan string
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{
		codes:  make(chan string, 8),
		tokens: make(chan string, 8),
	}
}

func (c *captureNotifier) ActivationCode(_ context.Context, _, code string) error {
	c.codes <- code
	return nil
}

func (c *captureNotifier) PasswordResetToken(_ context.Context, _, token string) error {
	c.tokens <- token
	return nil
}

func (c *captureNotifier) waitForCode(t *testing.T) string {
	t.Helper()
	select {
	case code := <-c.codes:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for activation code delivery")
		return ""
	}
}

func (c *captureNotifier) waitForToken(t *testing.T) string {
	t.Helper()
	select {
	case token := <-c.tokens:
		return token
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reset token delivery")
		return ""
	}
}
