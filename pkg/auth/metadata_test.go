package auth

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/authorhub/internal/testutil"
	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

func newTestMetadataCache(t *testing.T, idp *testutil.IdentityProvider, opts ...Option) *MetadataCache {
	t.Helper()
	c, err := NewMetadataCache(idpConfig(idp), append([]Option{WithLogger(discardLogger())}, opts...)...)
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewMetadataCache_RequiresSource(t *testing.T) {
	t.Parallel()
	_, err := NewMetadataCache(Config{Audience: "api://x"})
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestNewMetadataCache_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := NewMetadataCache(Config{TenantID: "t", ClockSkew: -time.Second})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)
}

func TestNewMetadataCache_DerivesURLFromTenant(t *testing.T) {
	t.Parallel()
	c, err := NewMetadataCache(Config{TenantID: "contoso"})
	require.NoError(t, err)
	assert.Equal(t, "https://login.microsoftonline.com/contoso/v2.0/.well-known/openid-configuration", c.MetadataURL())
}

func TestNewMetadataCache_DoesNotFetch(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	_ = newTestMetadataCache(t, idp)
	assert.EqualValues(t, 0, idp.DiscoveryFetches())
}

// ---------------------------------------------------------------------------
// GetCurrent
// ---------------------------------------------------------------------------

func TestMetadataCache_GetCurrent_LoadsOnce(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestMetadataCache(t, idp)

	first, err := c.GetCurrent(context.Background())
	require.NoError(t, err)
	second, err := c.GetCurrent(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, idp.Issuer(), first.Issuer)
	assert.EqualValues(t, 1, idp.JWKSFetches())
}

func TestMetadataCache_GetCurrent_ConcurrentFirstCallersShareOneFetch(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestMetadataCache(t, idp)
	release := idp.HoldJWKS()
	t.Cleanup(release)

	const callers = 32
	var wg sync.WaitGroup
	sets := make([]*SigningKeySet, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sets[i], errs[i] = c.GetCurrent(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return idp.JWKSFetches() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sets[0], sets[i], "caller %d saw a different set", i)
	}
	assert.EqualValues(t, 1, idp.DiscoveryFetches())
	assert.EqualValues(t, 1, idp.JWKSFetches())
}

func TestMetadataCache_GetCurrent_InitialFailureIsRetried(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestMetadataCache(t, idp)

	idp.FailJWKS(http.StatusServiceUnavailable)
	_, err := c.GetCurrent(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)

	idp.FailJWKS(0)
	set, err := c.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.EqualValues(t, 2, idp.JWKSFetches())
}

func TestMetadataCache_GetCurrent_CancelledCallerLeavesFetchRunning(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestMetadataCache(t, idp)
	release := idp.HoldJWKS()
	t.Cleanup(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetCurrent(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return idp.JWKSFetches() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	testutil.RequireErrorCode(t, <-done, sserr.CodeUnavailableDependency)

	release()
	require.Eventually(t, func() bool { return c.current.Load() != nil }, 5*time.Second, 5*time.Millisecond)

	set, err := c.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.EqualValues(t, 1, idp.JWKSFetches())
}

func TestMetadataCache_GetCurrent_DeadlineIsTimeout(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestMetadataCache(t, idp)
	release := idp.HoldJWKS()
	t.Cleanup(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetCurrent(ctx)
	testutil.RequireErrorCode(t, err, sserr.CodeTimeoutDependency)
}

func TestMetadataCache_IntervalRefreshServesStaleSet(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	c := newTestMetadataCache(t, idp, withClock(clock.Now))

	first, err := c.GetCurrent(context.Background())
	require.NoError(t, err)

	clock.Advance(5 * time.Hour)
	same, err := c.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, same)
	assert.EqualValues(t, 1, idp.JWKSFetches())

	idp.Rotate(t)
	release := idp.HoldJWKS()
	t.Cleanup(release)
	clock.Advance(time.Hour)

	stale, err := c.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, stale, "the old set is served while the refresh runs")

	release()
	require.Eventually(t, func() bool { return c.current.Load() != first }, 5*time.Second, 5*time.Millisecond)

	fresh, err := c.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Len())
	assert.EqualValues(t, 2, idp.JWKSFetches())
}

// ---------------------------------------------------------------------------
// ForceRefresh
// ---------------------------------------------------------------------------

func TestMetadataCache_ForceRefresh_FetchesRotatedKey(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestMetadataCache(t, idp)

	_, err := c.GetCurrent(context.Background())
	require.NoError(t, err)

	rotated := idp.Rotate(t)
	set, err := c.ForceRefresh(context.Background())
	require.NoError(t, err)

	_, ok := set.Key(rotated.ID)
	assert.True(t, ok)
	assert.EqualValues(t, 2, idp.JWKSFetches())

	current, err := c.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Same(t, set, current)
}

func TestMetadataCache_ForceRefresh_Cooldown(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	c := newTestMetadataCache(t, idp, withClock(clock.Now))

	_, err := c.GetCurrent(context.Background())
	require.NoError(t, err)

	_, err = c.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, idp.JWKSFetches())

	clock.Advance(10 * time.Minute)
	_, err = c.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, idp.JWKSFetches(), "forced refresh inside the cooldown must be ignored")

	clock.Advance(21 * time.Minute)
	_, err = c.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, idp.JWKSFetches())
}

func TestMetadataCache_ForceRefresh_ConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestMetadataCache(t, idp)

	_, err := c.GetCurrent(context.Background())
	require.NoError(t, err)

	rotated := idp.Rotate(t)
	release := idp.HoldJWKS()
	t.Cleanup(release)

	const callers = 16
	var wg sync.WaitGroup
	sets := make([]*SigningKeySet, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sets[i], errs[i] = c.ForceRefresh(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return idp.JWKSFetches() == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		_, ok := sets[i].Key(rotated.ID)
		assert.True(t, ok, "caller %d did not see the rotated key", i)
	}
	assert.EqualValues(t, 2, idp.JWKSFetches())
}

func TestMetadataCache_ForceRefresh_ReadersKeepCurrentSet(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestMetadataCache(t, idp)

	first, err := c.GetCurrent(context.Background())
	require.NoError(t, err)

	rotated := idp.Rotate(t)
	release := idp.HoldJWKS()
	t.Cleanup(release)

	done := make(chan *SigningKeySet, 1)
	go func() {
		set, _ := c.ForceRefresh(context.Background())
		done <- set
	}()
	require.Eventually(t, func() bool { return idp.JWKSFetches() == 2 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	got, err := c.GetCurrent(ctx)
	require.NoError(t, err)
	assert.Same(t, first, got)

	release()
	refreshed := <-done
	require.NotNil(t, refreshed)
	_, ok := refreshed.Key(rotated.ID)
	assert.True(t, ok)
}

func TestMetadataCache_ForceRefresh_DoesNotJoinEarlierIntervalRefresh(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	c := newTestMetadataCache(t, idp, withClock(clock.Now))

	_, err := c.GetCurrent(context.Background())
	require.NoError(t, err)

	release := idp.HoldJWKS()
	t.Cleanup(release)
	clock.Advance(6 * time.Hour)
	_, err = c.GetCurrent(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return idp.JWKSFetches() == 2 }, 5*time.Second, 5*time.Millisecond)

	rotated := idp.Rotate(t)
	done := make(chan *SigningKeySet, 1)
	go func() {
		set, _ := c.ForceRefresh(context.Background())
		done <- set
	}()
	require.Eventually(t, func() bool { return idp.JWKSFetches() == 3 }, 5*time.Second, 5*time.Millisecond)

	release()
	set := <-done
	require.NotNil(t, set)
	_, ok := set.Key(rotated.ID)
	assert.True(t, ok, "the forced refresh must see keys published after it was requested")

	require.Eventually(t, func() bool {
		cur := c.current.Load()
		_, ok := cur.Key(rotated.ID)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	_, ok = c.current.Load().Key(rotated.ID)
	assert.True(t, ok, "the earlier interval fetch must not replace the newer set")
}

func TestMetadataCache_FailedRefreshKeepsPreviousSet(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestMetadataCache(t, idp)

	first, err := c.GetCurrent(context.Background())
	require.NoError(t, err)

	idp.FailJWKS(http.StatusInternalServerError)
	got, err := c.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, got)

	current, err := c.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, current)
	assert.EqualValues(t, 2, idp.JWKSFetches())
}

func TestMetadataCache_FailedRefreshBacksOff(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	c := newTestMetadataCache(t, idp, withClock(clock.Now))

	_, err := c.GetCurrent(context.Background())
	require.NoError(t, err)

	idp.FailJWKS(http.StatusInternalServerError)
	clock.Advance(6 * time.Hour)
	_, err = c.GetCurrent(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.nextRefresh.Equal(clock.Now().Add(30 * time.Minute))
	}, 5*time.Second, 5*time.Millisecond)

	_, err = c.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, idp.JWKSFetches(), "no retry before the back-off elapses")
}
