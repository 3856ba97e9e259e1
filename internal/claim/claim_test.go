package claim

import (
	"context"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimIsIdempotent(t *testing.T) {
	gw := objectstore.NewMemory()
	m := New(gw)
	ctx := context.Background()

	err := m.Claim(ctx, "b", "ds1/t1/_SUCCESS", 1700000000)
	require.NoError(t, err)

	err = m.Claim(ctx, "b", "ds1/t1/_SUCCESS", 1700000000)
	require.Error(t, err)
	assert.True(t, ingesterr.Is(err, ingesterr.KindDuplicateNotification))
}

func TestReuploadYieldsFreshClaim(t *testing.T) {
	gw := objectstore.NewMemory()
	m := New(gw)
	ctx := context.Background()

	require.NoError(t, m.Claim(ctx, "b", "ds1/t1/_SUCCESS", 1700000000))
	// A re-upload has a new creation timestamp, so the claim key differs
	// and the second claim succeeds independently (spec section 3 invariant).
	require.NoError(t, m.Claim(ctx, "b", "ds1/t1/_SUCCESS", 1700000001))
}

func TestKeyAndParseRoundTrip(t *testing.T) {
	k := Key("ds1/t1/batch01/_SUCCESS", 1700000000)
	assert.Equal(t, "ds1/t1/batch01/_claimed__SUCCESS_created_at_1700000000", k)

	name, ts, ok := ParseCreatedAt(k)
	require.True(t, ok)
	assert.Equal(t, "_SUCCESS", name)
	assert.Equal(t, int64(1700000000), ts)
}

func TestConcurrentClaimOnlyOneWins(t *testing.T) {
	gw := objectstore.NewMemory()
	m := New(gw)
	ctx := context.Background()

	const n = 20
	results := make(chan error, n)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			<-done
			results <- m.Claim(ctx, "b", "ds1/t1/_SUCCESS", 42)
		}()
	}
	close(done)

	var ok, dup int
	for i := 0; i < n; i++ {
		err := <-results
		if err == nil {
			ok++
		} else if ingesterr.Is(err, ingesterr.KindDuplicateNotification) {
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)
}
