// Package pgtest connects repository tests to a scratch database named by
// TEST_DATABASE_URL. Every test gets its own schema, so packages can run
// in parallel against the same database.
package pgtest

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/db/migrations"
	"gitlab.com/vmfleet.net/internal/adapter/logging"
	"gitlab.com/vmfleet.net/internal/adapter/postgres"
)

// Open skips the test when no database is configured. Otherwise it creates
// a fresh schema, migrates it and drops it when the test ends.
func Open(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	admin, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA %s`, schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), fmt.Sprintf(`DROP SCHEMA %s CASCADE`, schema))
		_ = admin.Close()
	})

	db, err := postgres.Open(ctx, withSearchPath(t, dsn, schema))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = postgres.Migrate(ctx, db, migrations.Files, logging.NewNopLogger())
	require.NoError(t, err)
	return db
}

func withSearchPath(t *testing.T, dsn, schema string) string {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return dsn + " search_path=" + schema
	}
	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}
