package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/senchouXflare/Mambo-the-Omniscient/fancount"
	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
	"github.com/senchouXflare/Mambo-the-Omniscient/store"
)

func TestJobsImplementSutureService(t *testing.T) {
	var _ suture.Service = (*WarmupJob)(nil)
	var _ suture.Service = (*SyncJob)(nil)
	var _ suture.Service = (*CleanupJob)(nil)
}

// fakeSource scripts the primary side of a sync.
type fakeSource struct {
	mu      sync.Mutex
	clubs   map[string]fancount.ClubRecord
	members map[string][]fancount.MemberRecord
	listErr error
	fetches int
}

func newFakeSource() *fakeSource {
	return &fakeSource{clubs: map[string]fancount.ClubRecord{}, members: map[string][]fancount.MemberRecord{}}
}

func (f *fakeSource) ListClubIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make([]string, 0, len(f.clubs))
	for id := range f.clubs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeSource) FetchClub(ctx context.Context, clubID string) (fancount.ClubRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.clubs[clubID], nil
}

func (f *fakeSource) FetchMembers(ctx context.Context, clubID string) ([]fancount.MemberRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[clubID], nil
}

// fakeTarget records what the sync wrote.
type fakeTarget struct {
	mu         sync.Mutex
	clubs      map[string]fancount.ClubRecord
	stats      map[string]int
	checkpoint fancount.SyncCheckpoint
	upsertErr  error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{clubs: map[string]fancount.ClubRecord{}, stats: map[string]int{}}
}

func (f *fakeTarget) WriteClub(ctx context.Context, rec fancount.ClubRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clubs[rec.ClubID] = rec
	return nil
}

func (f *fakeTarget) UpsertMembers(ctx context.Context, clubID string, members []fancount.MemberRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	n := 0
	for _, m := range members {
		n += len(m.DailyFanCounts)
	}
	f.stats[clubID] = n
	return n, nil
}

func (f *fakeTarget) LoadCheckpoint(ctx context.Context) (fancount.SyncCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoint, nil
}

func (f *fakeTarget) SaveCheckpoint(ctx context.Context, cp fancount.SyncCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoint = cp
	return nil
}

func seedSource(t *testing.T, src *fakeSource) {
	t.Helper()
	day := time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b"} {
		rec, err := fancount.NewCompetitiveClub(id, "Club "+id, "u1", 80000)
		require.NoError(t, err)
		src.clubs[id] = rec
		m := fancount.MemberRecord{ClubID: id, MemberName: "m-" + id}
		require.NoError(t, m.AppendDaily(day, 1000, 100))
		require.NoError(t, m.AppendDaily(day.AddDate(0, 0, 1), 2000, 1000))
		src.members[id] = []fancount.MemberRecord{m}
	}
}

func TestSyncRunOnce(t *testing.T) {
	src, dst := newFakeSource(), newFakeTarget()
	seedSource(t, src)
	j := NewSyncJob(src, dst, logger.NewTestLogger(), 3)
	j.now = func() time.Time { return time.Date(2025, 8, 21, 3, 0, 0, 0, time.UTC) }

	require.NoError(t, j.RunOnce(context.Background()))

	// 2 clubs, 2 daily rows each, plus one record per club row.
	assert.Equal(t, fancount.SyncSucceeded, dst.checkpoint.LastSyncStatus)
	assert.Equal(t, 6, dst.checkpoint.RecordsSynced)
	assert.Len(t, dst.clubs, 2)
	assert.Equal(t, 2, dst.stats["a"])
}

func TestSyncIdempotentRerun(t *testing.T) {
	src, dst := newFakeSource(), newFakeTarget()
	seedSource(t, src)
	j := NewSyncJob(src, dst, logger.NewTestLogger(), 3)
	clock := time.Date(2025, 8, 21, 3, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return clock }

	require.NoError(t, j.RunOnce(context.Background()))
	first := dst.checkpoint.RecordsSynced

	// Outside the redundancy window, with unchanged data, the rerun reports
	// the same count.
	clock = clock.Add(24 * time.Hour)
	require.NoError(t, j.RunOnce(context.Background()))
	assert.Equal(t, first, dst.checkpoint.RecordsSynced)
}

func TestSyncSkipsRecentSuccess(t *testing.T) {
	src, dst := newFakeSource(), newFakeTarget()
	seedSource(t, src)
	dst.checkpoint = fancount.SyncCheckpoint{
		LastSyncAt:     time.Date(2025, 8, 21, 3, 0, 0, 0, time.UTC),
		LastSyncStatus: fancount.SyncSucceeded,
		RecordsSynced:  6,
	}
	j := NewSyncJob(src, dst, logger.NewTestLogger(), 3)
	j.now = func() time.Time { return time.Date(2025, 8, 21, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, j.RunOnce(context.Background()))
	assert.Equal(t, 0, src.fetches, "a recent successful sync is not repeated")
}

func TestSyncFailureRecordedInCheckpoint(t *testing.T) {
	src, dst := newFakeSource(), newFakeTarget()
	seedSource(t, src)
	dst.upsertErr = errors.New("disk full")
	j := NewSyncJob(src, dst, logger.NewTestLogger(), 3)
	j.now = func() time.Time { return time.Date(2025, 8, 21, 3, 0, 0, 0, time.UTC) }

	require.Error(t, j.RunOnce(context.Background()))
	assert.Equal(t, fancount.SyncFailed, dst.checkpoint.LastSyncStatus)
}

func TestSyncNextRun(t *testing.T) {
	j := NewSyncJob(newFakeSource(), newFakeTarget(), logger.NewTestLogger(), 3)

	before := time.Date(2025, 8, 21, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 8, 21, 3, 0, 0, 0, time.UTC), j.nextRun(before))

	after := time.Date(2025, 8, 21, 3, 0, 1, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 8, 22, 3, 0, 0, 0, time.UTC), j.nextRun(after))

	exactly := time.Date(2025, 8, 21, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 8, 22, 3, 0, 0, 0, time.UTC), j.nextRun(exactly))
}

// fakeWarmStore fails a scripted subset of clubs.
type fakeWarmStore struct {
	mu      sync.Mutex
	ids     []string
	failing map[string]bool
	clubOK  int
}

func (f *fakeWarmStore) ListClubIDs(ctx context.Context) ([]string, error) { return f.ids, nil }

func (f *fakeWarmStore) ReadClub(ctx context.Context, clubID string) (store.ClubResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[clubID] {
		return store.ClubResult{}, errors.Mark(errors.New("down"), fancount.ErrDataUnavailable)
	}
	f.clubOK++
	return store.ClubResult{}, nil
}

func (f *fakeWarmStore) ReadMembers(ctx context.Context, clubID string) (store.MembersResult, error) {
	return store.MembersResult{}, nil
}

func TestWarmupContinuesPastFailingClubs(t *testing.T) {
	ws := &fakeWarmStore{
		ids:     []string{"a", "bad", "c"},
		failing: map[string]bool{"bad": true},
	}
	j := NewWarmupJob(ws, logger.NewTestLogger(), time.Hour)

	require.NoError(t, j.record(context.Background(), j.runOnce))
	assert.Equal(t, 2, ws.clubOK)

	st := j.Status()
	assert.Equal(t, "cache-warmup", st.Name)
	assert.Equal(t, 1, st.Runs)
	assert.Empty(t, st.LastError)
}

// fakeSweeper counts sweeps.
type fakeSweeper struct{ swept int }

func (f *fakeSweeper) SweepExpired(now time.Time) int {
	f.swept++
	return 1
}

func TestCleanupSweepsOnTick(t *testing.T) {
	fs := &fakeSweeper{}
	j := NewCleanupJob(fs, logger.NewTestLogger(), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = j.Serve(ctx)
	}()

	assert.Eventually(t, func() bool {
		return j.Status().Runs >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, fs.swept, 2)
}

func TestSchedulerStatus(t *testing.T) {
	log := logger.NewTestLogger()
	fs := &fakeSweeper{}
	s := New(log,
		NewCleanupJob(fs, log, time.Hour),
		NewSyncJob(newFakeSource(), newFakeTarget(), log, 3),
	)

	statuses := s.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "ledger-cleanup", statuses[0].Name)
	assert.Equal(t, "nightly-sync", statuses[1].Name)
}
