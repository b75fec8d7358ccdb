package authorityvalkey_test

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/session-guard/internal/authority/authorityvalkey"
	"github.com/openkcm/session-guard/internal/dbtest/valkeytest"
)

var client valkey.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	inst, err := valkeytest.Start(ctx)
	if err != nil {
		log.Fatalf("error: %v", err)
	}
	client = inst.Client

	code := m.Run()
	inst.Terminate(ctx)

	os.Exit(code)
}

func TestRepository_Consume(t *testing.T) {
	const prefix = "session-guard-consume-test"
	repo := authorityvalkey.NewRepository(client, prefix)

	fresh, err := repo.Consume(t.Context(), "jti-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = repo.Consume(t.Context(), "jti-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, fresh)

	ttl, err := client.Do(t.Context(), client.B().Ttl().Key(prefix+":consumed:jti-1").Build()).AsInt64()
	require.NoError(t, err)
	assert.InDelta(t, 3600, ttl, 5)
}

func TestRepository_Consume_Concurrent(t *testing.T) {
	repo := authorityvalkey.NewRepository(client, "session-guard-consume-concurrent-test:")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			fresh, err := repo.Consume(t.Context(), "jti", time.Minute)
			assert.NoError(t, err)
			if fresh {
				wins.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRepository_RevokeFamily(t *testing.T) {
	repo := authorityvalkey.NewRepository(client, "session-guard-revoke-test")

	revoked, err := repo.IsFamilyRevoked(t.Context(), "sid")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, repo.RevokeFamily(t.Context(), "sid", time.Hour))

	revoked, err = repo.IsFamilyRevoked(t.Context(), "sid")
	require.NoError(t, err)
	assert.True(t, revoked)

	// sub-second lifetimes still expire
	require.NoError(t, repo.RevokeFamily(t.Context(), "short", time.Millisecond))
	revoked, err = repo.IsFamilyRevoked(t.Context(), "short")
	require.NoError(t, err)
	assert.True(t, revoked)
}
