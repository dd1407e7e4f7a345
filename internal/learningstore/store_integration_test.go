package learningstore

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/agentctl/internal/learning"
)

// dockerAvailable does a cheap local check for a reachable Docker daemon
// socket, so this suite can skip cleanly in a sandbox with neither
// CI_DATABASE_URL nor Docker, instead of failing on container startup.
func dockerAvailable() bool {
	conn, err := net.DialTimeout("unix", "/var/run/docker.sock", time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func newTestStore(t *testing.T) *Store {
	ctx := context.Background()

	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("using external PostgreSQL from CI_DATABASE_URL")
		store, err := Open(ctx, ciDatabaseURL)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	if !dockerAvailable() {
		t.Skip("no CI_DATABASE_URL and no reachable Docker daemon; skipping Postgres-backed test")
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("agentctl_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreSaveAndRecentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := learning.Learning{
		ID: "lrn_1", Kind: learning.KindDecision, Content: "use postgres", Confidence: 0.8,
		SourceEventID: "evt_1", SessionID: "sess-1", CreatedAt: time.Now().Add(-time.Minute),
	}
	newer := learning.Learning{
		ID: "lrn_2", Kind: learning.KindAntiPattern, Content: "agent timed out", Confidence: 0.7,
		SourceEventID: "evt_2", SessionID: "sess-1", CreatedAt: time.Now(),
	}
	require.NoError(t, store.Save(older))
	require.NoError(t, store.Save(newer))

	recent, err := store.Recent(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "lrn_2", recent[0].ID, "newest first")
	assert.Equal(t, "lrn_1", recent[1].ID)
}

func TestStoreSaveIsIdempotentForSameID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	l := learning.Learning{
		ID: "lrn_dup", Kind: learning.KindPreference, Content: "canary rollout", Confidence: 0.9,
		SourceEventID: "evt_1", SessionID: "sess-2", CreatedAt: time.Now(),
	}
	require.NoError(t, store.Save(l))
	require.NoError(t, store.Save(l))

	recent, err := store.Recent(ctx, "sess-2", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1, "re-saving the same learning id must not duplicate rows")
}

func TestStoreRecentScopesToSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(learning.Learning{ID: "lrn_a", Kind: learning.KindDecision, Content: "a", SessionID: "sess-a", CreatedAt: time.Now()}))
	require.NoError(t, store.Save(learning.Learning{ID: "lrn_b", Kind: learning.KindDecision, Content: "b", SessionID: "sess-b", CreatedAt: time.Now()}))

	recent, err := store.Recent(ctx, "sess-a", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "lrn_a", recent[0].ID)
}
