package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senchouXflare/Mambo-the-Omniscient/cache"
	"github.com/senchouXflare/Mambo-the-Omniscient/fancount"
	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
	"github.com/senchouXflare/Mambo-the-Omniscient/resilience"
)

// fakeStore implements both PrimaryStore and FallbackStore with scripted
// failures and call counting.
type fakeStore struct {
	mu      sync.Mutex
	clubs   map[string]fancount.ClubRecord
	members map[string][]fancount.MemberRecord

	failFetch error // returned by every Fetch* until cleared
	failWrite error // returned by every Write* until cleared

	fetchCalls int
	writeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clubs:   map[string]fancount.ClubRecord{},
		members: map[string][]fancount.MemberRecord{},
	}
}

func (f *fakeStore) FetchClub(ctx context.Context, clubID string) (fancount.ClubRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.failFetch != nil {
		return fancount.ClubRecord{}, f.failFetch
	}
	rec, ok := f.clubs[clubID]
	if !ok {
		return fancount.ClubRecord{}, errors.Mark(errors.Newf("club %s", clubID), fancount.ErrNotFound)
	}
	return rec, nil
}

func (f *fakeStore) FetchMembers(ctx context.Context, clubID string) ([]fancount.MemberRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.failFetch != nil {
		return nil, f.failFetch
	}
	return f.members[clubID], nil
}

func (f *fakeStore) WriteClub(ctx context.Context, rec fancount.ClubRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	if f.failWrite != nil {
		return f.failWrite
	}
	f.clubs[rec.ClubID] = rec
	return nil
}

func (f *fakeStore) WriteMemberDelta(ctx context.Context, rec fancount.MemberRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	if f.failWrite != nil {
		return f.failWrite
	}
	f.members[rec.ClubID] = append(f.members[rec.ClubID], rec)
	return nil
}

func (f *fakeStore) ListClubIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.failFetch != nil {
		return nil, f.failFetch
	}
	ids := make([]string, 0, len(f.clubs))
	for id := range f.clubs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) setFailFetch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFetch = err
}

func (f *fakeStore) setFailWrite(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrite = err
}

func (f *fakeStore) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeStore) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCalls
}

func (f *fakeStore) club(id string) (fancount.ClubRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.clubs[id]
	return rec, ok
}

// fastRetry keeps test runtimes flat.
func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}
}

func newTestHybrid(t *testing.T, primary *fakeStore, fallback *fakeStore, opts ...HybridOption) *Hybrid {
	t.Helper()
	c := cache.NewInMemory(context.Background())
	t.Cleanup(func() { c.Close(context.Background()) })
	opts = append([]HybridOption{WithRetryConfig(fastRetry())}, opts...)
	h := NewHybrid(c, primary, fallback, logger.NewTestLogger(), opts...)
	t.Cleanup(h.Flush)
	return h
}

func competitiveClub(t *testing.T, id string) fancount.ClubRecord {
	t.Helper()
	rec, err := fancount.NewCompetitiveClub(id, "Night Raid", "u1", 80000)
	require.NoError(t, err)
	return rec
}

func TestReadClubCachesPrimaryResult(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.clubs["42"] = competitiveClub(t, "42")
	h := newTestHybrid(t, primary, fallback)

	res, err := h.ReadClub(ctx, "42")
	require.NoError(t, err)
	assert.False(t, res.SourcedFromFallback)
	assert.Equal(t, "Night Raid", res.Club.Name)

	// Second read is a cache hit.
	res, err = h.ReadClub(ctx, "42")
	require.NoError(t, err)
	assert.False(t, res.SourcedFromFallback)
	assert.Equal(t, 1, primary.fetches())
	assert.Equal(t, 0, fallback.fetches())
}

func TestReadClubFallsBackAfterRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.setFailFetch(fancount.RateLimited(errors.New("429")))
	fallback.clubs["42"] = competitiveClub(t, "42")
	h := newTestHybrid(t, primary, fallback)

	res, err := h.ReadClub(ctx, "42")
	require.NoError(t, err)
	assert.True(t, res.SourcedFromFallback)
	assert.Equal(t, 3, primary.fetches(), "rate limited calls are retried before failing over")

	// The fallback tag survives the cache.
	res, err = h.ReadClub(ctx, "42")
	require.NoError(t, err)
	assert.True(t, res.SourcedFromFallback)
	assert.Equal(t, 1, fallback.fetches())
}

func TestReadClubBothUnavailable(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.setFailFetch(fancount.Transient(errors.New("timeout")))
	fallback.setFailFetch(errors.New("db locked"))
	h := newTestHybrid(t, primary, fallback)

	_, err := h.ReadClub(ctx, "42")
	assert.True(t, errors.Is(err, fancount.ErrDataUnavailable))
}

func TestReadClubNotFoundSkipsFallback(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	fallback.clubs["ghost"] = competitiveClub(t, "ghost")
	h := newTestHybrid(t, primary, fallback)

	_, err := h.ReadClub(ctx, "ghost")
	assert.True(t, errors.Is(err, fancount.ErrNotFound))
	assert.Equal(t, 0, fallback.fetches(), "absence in the primary is authoritative")
}

func TestReadClubNonRetryableSurfacesImmediately(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	authErr := errors.New("403 forbidden")
	primary.setFailFetch(authErr)
	fallback.clubs["42"] = competitiveClub(t, "42")
	h := newTestHybrid(t, primary, fallback)

	_, err := h.ReadClub(ctx, "42")
	require.Error(t, err)
	assert.False(t, errors.Is(err, fancount.ErrDataUnavailable))
	assert.Equal(t, 1, primary.fetches(), "auth errors are not retried")
	assert.Equal(t, 0, fallback.fetches(), "auth errors are not masked by the backup")
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.setFailFetch(fancount.Transient(errors.New("down")))
	fallback.clubs["a"] = competitiveClub(t, "a")
	fallback.clubs["b"] = competitiveClub(t, "b")
	fallback.clubs["c"] = competitiveClub(t, "c")
	fallback.clubs["d"] = competitiveClub(t, "d")

	br := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 3, OpenTimeout: time.Hour})
	h := newTestHybrid(t, primary, fallback, WithBreaker(br))

	for _, id := range []string{"a", "b", "c"} {
		res, err := h.ReadClub(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.SourcedFromFallback)
	}
	require.Equal(t, resilience.BreakerOpen, br.State())
	before := primary.fetches()

	// Open breaker: the primary is not touched at all.
	res, err := h.ReadClub(ctx, "d")
	require.NoError(t, err)
	assert.True(t, res.SourcedFromFallback)
	assert.Equal(t, before, primary.fetches())
}

func TestHalfOpenProbeSurvivesNotFound(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.clubs["42"] = competitiveClub(t, "42")

	br := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 1, OpenTimeout: time.Millisecond})
	br.ReportFailure()
	require.Equal(t, resilience.BreakerOpen, br.State())
	time.Sleep(5 * time.Millisecond)

	h := newTestHybrid(t, primary, fallback, WithBreaker(br))

	// The half-open probe is spent on a club that does not exist. Absence is
	// not a verdict on upstream health, so the probe slot must come back.
	_, err := h.ReadClub(ctx, "ghost")
	assert.True(t, errors.Is(err, fancount.ErrNotFound))

	// The recovered primary is consulted again immediately.
	res, err := h.ReadClub(ctx, "42")
	require.NoError(t, err)
	assert.False(t, res.SourcedFromFallback)
	assert.Equal(t, resilience.BreakerClosed, br.State())
	assert.Equal(t, 0, fallback.fetches())
}

func TestHalfOpenProbeSurvivesNonRetryableRead(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()

	br := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 1, OpenTimeout: time.Millisecond})
	br.ReportFailure()
	time.Sleep(5 * time.Millisecond)

	h := newTestHybrid(t, primary, fallback, WithBreaker(br))

	primary.setFailFetch(errors.New("403 forbidden"))
	_, err := h.ReadClub(ctx, "42")
	require.Error(t, err)

	// Auth errors neither close nor reopen the breaker, but they must not
	// hold the probe slot either.
	primary.setFailFetch(nil)
	primary.clubs["42"] = competitiveClub(t, "42")
	res, err := h.ReadClub(ctx, "42")
	require.NoError(t, err)
	assert.False(t, res.SourcedFromFallback)
}

func TestHalfOpenProbeSurvivesNonRetryableWrite(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()

	br := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 1, OpenTimeout: time.Millisecond})
	br.ReportFailure()
	time.Sleep(5 * time.Millisecond)

	h := newTestHybrid(t, primary, fallback, WithBreaker(br))

	primary.setFailWrite(errors.New("malformed payload"))
	require.Error(t, h.WriteClub(ctx, competitiveClub(t, "42")))

	primary.setFailWrite(nil)
	require.NoError(t, h.WriteClub(ctx, competitiveClub(t, "42")))
	h.Flush()
	assert.Equal(t, resilience.BreakerClosed, br.State())
}

func TestReadMembersFallbackTagged(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.setFailFetch(fancount.Transient(errors.New("down")))
	m := fancount.MemberRecord{ClubID: "42", MemberName: "senchou"}
	require.NoError(t, m.AppendDaily(time.Now().UTC(), 1_000_000, 50_000))
	fallback.members["42"] = []fancount.MemberRecord{m}
	h := newTestHybrid(t, primary, fallback)

	res, err := h.ReadMembers(ctx, "42")
	require.NoError(t, err)
	assert.True(t, res.SourcedFromFallback)
	require.Len(t, res.Members, 1)
	assert.Equal(t, "senchou", res.Members[0].MemberName)
}

func TestWriteClubInvalidatesAndMirrors(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.clubs["42"] = competitiveClub(t, "42")
	h := newTestHybrid(t, primary, fallback)

	// Prime the cache.
	_, err := h.ReadClub(ctx, "42")
	require.NoError(t, err)

	rec := competitiveClub(t, "42")
	rec.Name = "Night Raid II"
	require.NoError(t, h.WriteClub(ctx, rec))
	h.Flush()

	// Mirror landed in the fallback.
	mirrored, ok := fallback.club("42")
	require.True(t, ok)
	assert.Equal(t, "Night Raid II", mirrored.Name)

	// Cache was invalidated: the next read goes upstream and sees the new name.
	res, err := h.ReadClub(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "Night Raid II", res.Club.Name)
	assert.Equal(t, 2, primary.fetches())
}

func TestWriteClubMirrorFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	fallback.setFailWrite(errors.New("disk full"))
	h := newTestHybrid(t, primary, fallback)

	require.NoError(t, h.WriteClub(ctx, competitiveClub(t, "42")))
	h.Flush()

	_, ok := primary.club("42")
	assert.True(t, ok)
}

func TestWriteClubPrimaryFailureFailsWrite(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.setFailWrite(fancount.RateLimited(errors.New("429")))
	h := newTestHybrid(t, primary, fallback)

	err := h.WriteClub(ctx, competitiveClub(t, "42"))
	assert.True(t, errors.Is(err, fancount.ErrRetryExhausted))
	h.Flush()
	assert.Equal(t, 0, fallback.writes(), "failed writes never reach the backup")
}

func TestWriteMemberDeltaFailureLabelsOperation(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.setFailWrite(fancount.RateLimited(errors.New("429")))
	h := newTestHybrid(t, primary, fallback)

	rec := fancount.MemberRecord{ClubID: "42", MemberName: "senchou"}
	require.NoError(t, rec.AppendDaily(time.Now().UTC(), 1_000_000, 50_000))

	err := h.WriteMemberDelta(ctx, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write member delta")
	assert.NotContains(t, err.Error(), "write club")
}

func TestWriteRejectedWhileBreakerOpen(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	br := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 1, OpenTimeout: time.Hour})
	br.ReportFailure()
	require.Equal(t, resilience.BreakerOpen, br.State())
	h := newTestHybrid(t, primary, fallback, WithBreaker(br))

	err := h.WriteClub(ctx, competitiveClub(t, "42"))
	require.Error(t, err)
	assert.Equal(t, 0, primary.writes())
	assert.Equal(t, 0, fallback.writes())
}

func TestListClubIDsDegradesToFallback(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.setFailFetch(fancount.Transient(errors.New("down")))
	fallback.clubs["1"] = competitiveClub(t, "1")
	h := newTestHybrid(t, primary, fallback)

	ids, err := h.ListClubIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids)
}

func TestInvalidateClub(t *testing.T) {
	ctx := context.Background()
	primary, fallback := newFakeStore(), newFakeStore()
	primary.clubs["42"] = competitiveClub(t, "42")
	h := newTestHybrid(t, primary, fallback)

	_, err := h.ReadClub(ctx, "42")
	require.NoError(t, err)
	require.NoError(t, h.InvalidateClub(ctx, "42"))

	_, err = h.ReadClub(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, primary.fetches())
}
