package migration

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fitlog/backend/internal/db"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	"github.com/kimhsiao/fitlog/backend/internal/remote"
	fitsync "github.com/kimhsiao/fitlog/backend/internal/sync"
	"github.com/kimhsiao/fitlog/backend/internal/sync/queue"
)

type testClock struct {
	mu gosync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	clock := &testClock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)
	return store
}

func seedGuest(t *testing.T, store *db.Store, n int) []string {
	t.Helper()
	var keys []string
	for i := 0; i < n; i++ {
		et := models.EntityTypes[i%len(models.EntityTypes)]
		id := fmt.Sprintf("g%02d", i)
		rec, err := store.PutRecord(context.Background(), models.GuestNamespace, et, id, json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)))
		require.NoError(t, err)
		keys = append(keys, rec.LocalKey())
	}
	return keys
}

type fakeEngine struct {
	mu       gosync.Mutex
	calls    []string
	queueErr error
}

func (f *fakeEngine) Pause(context.Context) error {
	f.add("pause")
	return nil
}

func (f *fakeEngine) Resume() { f.add("resume") }

func (f *fakeEngine) EnqueueDivergent(context.Context) (int, error) {
	f.add("enqueue")
	if f.queueErr != nil {
		return 0, f.queueErr
	}
	return 2, nil
}

func (f *fakeEngine) add(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestHasGuestDataForMigration(t *testing.T) {
	store := openStore(t)
	dm := NewDataManager(store)
	ctx := context.Background()

	has, err := dm.HasGuestDataForMigration(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = store.PutRecord(ctx, models.UserNamespace("u1"), models.EntityWorkout, "w1", json.RawMessage(`{}`))
	require.NoError(t, err)
	has, err = dm.HasGuestDataForMigration(ctx)
	require.NoError(t, err)
	assert.False(t, has, "account data is not guest data")

	seedGuest(t, store, 1)
	has, err = dm.HasGuestDataForMigration(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	n, err := store.CountRecords(ctx, models.GuestNamespace)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "check must not change anything")
}

func TestMigrate_CopiesEveryGuestKey(t *testing.T) {
	store := openStore(t)
	dm := NewDataManager(store)
	ctx := context.Background()
	keys := seedGuest(t, store, 8)

	res, err := dm.MigrateGuestDataToUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.AlreadyCompleted)
	assert.ElementsMatch(t, keys, res.MigratedKeys)
	assert.Empty(t, res.Errors)

	user, err := store.ListRecords(ctx, models.UserNamespace("u1"), false)
	require.NoError(t, err)
	require.Len(t, user, 8)
	for _, rec := range user {
		assert.True(t, rec.Divergent(), "%s must be queued for upload", rec.Key())
	}

	has, err := dm.HasGuestDataForMigration(ctx)
	require.NoError(t, err)
	assert.False(t, has, "guest records are purged once complete")

	marker, err := store.MigrationMarker(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, 8, marker.MigratedKeys)
}

func TestMigrate_Idempotent(t *testing.T) {
	store := openStore(t)
	dm := NewDataManager(store)
	ctx := context.Background()
	seedGuest(t, store, 5)

	_, err := dm.MigrateGuestDataToUser(ctx, "u1")
	require.NoError(t, err)
	before, err := store.AllRecords(ctx)
	require.NoError(t, err)

	res, err := dm.MigrateGuestDataToUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.AlreadyCompleted)
	assert.Empty(t, res.MigratedKeys)

	after, err := store.AllRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMigrate_ResumesAfterInterruption(t *testing.T) {
	store := openStore(t)
	dm := NewDataManager(store)
	ctx := context.Background()
	keys := seedGuest(t, store, 6)

	copied := 0
	dm.beforeCopy = func(string) error {
		if copied == 3 {
			return errors.New("process killed")
		}
		copied++
		return nil
	}
	res, err := dm.MigrateGuestDataToUser(ctx, "u1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigrationPartialFailure))
	assert.False(t, res.Success)
	assert.Len(t, res.MigratedKeys, 3)

	marker, err := store.MigrationMarker(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, marker, "no completion marker after an interrupted run")
	has, err := dm.HasGuestDataForMigration(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	dm.beforeCopy = nil
	res2, err := dm.MigrateGuestDataToUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res2.Success)
	assert.ElementsMatch(t, res.MigratedKeys, res2.SkippedKeys)
	assert.Len(t, res2.MigratedKeys, 3)

	user, err := store.ListRecords(ctx, models.UserNamespace("u1"), false)
	require.NoError(t, err)
	var got []string
	for _, rec := range user {
		got = append(got, rec.LocalKey())
		assert.Equal(t, int64(1), rec.Version, "%s copied more than once", rec.Key())
	}
	assert.ElementsMatch(t, keys, got)

	marked, err := store.MigratedKeys(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, marked)
}

func TestMigrate_CancelledContextIsResumable(t *testing.T) {
	store := openStore(t)
	dm := NewDataManager(store)
	seedGuest(t, store, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dm.beforeCopy = func(string) error {
		cancel()
		return nil
	}
	_, err := dm.MigrateGuestDataToUser(ctx, "u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrMigrationPartialFailure))

	dm.beforeCopy = nil

	res, err := dm.MigrateGuestDataToUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, res.MigratedKeys, 3)
}

func TestMigrate_KeepsNewerAccountRecord(t *testing.T) {
	store := openStore(t)
	dm := NewDataManager(store)
	ctx := context.Background()
	seedGuest(t, store, 1)
	_, err := store.PutRecord(ctx, models.UserNamespace("u1"), models.EntityProfile, "g00", json.RawMessage(`{"account":true}`))
	require.NoError(t, err)

	res, err := dm.MigrateGuestDataToUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	rec, err := store.GetRecord(ctx, models.UserNamespace("u1"), models.EntityProfile, "g00")
	require.NoError(t, err)
	assert.JSONEq(t, `{"account":true}`, string(rec.Data))
}

func TestMigrate_RequiresUserID(t *testing.T) {
	dm := NewDataManager(openStore(t))
	_, err := dm.MigrateGuestDataToUser(context.Background(), "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestStartProfileMigration_PausesUntilRemapIsDurable(t *testing.T) {
	store := openStore(t)
	seedGuest(t, store, 2)
	eng := &fakeEngine{}
	mgr := NewManager(NewDataManager(store), eng)

	var published []models.MigrationResult
	mgr.OnMigration(func(r models.MigrationResult) { published = append(published, r) })

	res, err := mgr.StartProfileMigration(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Enqueued)
	assert.True(t, res.RemotePending)
	assert.Equal(t, []string{"pause", "resume", "enqueue"}, eng.Calls())

	require.Len(t, published, 1)
	require.NotNil(t, mgr.LastResult())
	assert.Equal(t, "u1", mgr.LastResult().UserID)
}

func TestStartProfileMigration_QueueFailureDoesNotFail(t *testing.T) {
	store := openStore(t)
	seedGuest(t, store, 2)
	eng := &fakeEngine{queueErr: apperrors.New(apperrors.ErrQueueFull, "queue full")}
	mgr := NewManager(NewDataManager(store), eng)

	res, err := mgr.StartProfileMigration(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.RemotePending)
	assert.NotEmpty(t, res.Errors)
}

func TestStartProfileMigration_PartialFailureSkipsUpload(t *testing.T) {
	store := openStore(t)
	seedGuest(t, store, 2)
	eng := &fakeEngine{}
	dm := NewDataManager(store)
	dm.beforeCopy = func(string) error { return errors.New("disk full") }
	mgr := NewManager(dm, eng)

	res, err := mgr.StartProfileMigration(context.Background(), "u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrMigrationPartialFailure))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"pause", "resume"}, eng.Calls())
}

func TestStartProfileMigration_UploadsThroughSyncEngine(t *testing.T) {
	store := openStore(t)
	seedGuest(t, store, 3)
	mem := remote.NewMemory()
	q := queue.New(store, queue.Config{Capacity: 100, BaseBackoff: time.Minute, MaxBackoff: time.Hour})
	eng := fitsync.NewEngine(store, mem, q, fitsync.DefaultConfig())
	mgr := NewManager(NewDataManager(store), eng)
	ctx := context.Background()

	res, err := mgr.StartProfileMigration(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Enqueued)
	assert.False(t, eng.Status().IsPaused)

	result, err := eng.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)
	assert.Equal(t, 3, mem.Len())

	data, err := mem.Get(ctx, models.RemoteKey("u1", models.EntityProfile, "g00"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"i":0}`, string(data))
}

func TestStartProfileMigration_RemoteFailureStillSucceeds(t *testing.T) {
	store := openStore(t)
	seedGuest(t, store, 2)
	mem := remote.NewMemory()
	mem.SetFault(func(context.Context, remote.Op, string) error {
		return apperrors.Transient("connection refused", nil)
	})
	q := queue.New(store, queue.Config{Capacity: 100, BaseBackoff: time.Minute, MaxBackoff: time.Hour})
	eng := fitsync.NewEngine(store, mem, q, fitsync.DefaultConfig())
	mgr := NewManager(NewDataManager(store), eng)
	ctx := context.Background()

	res, err := mgr.StartProfileMigration(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	result, err := eng.ForceSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Equal(t, 2, eng.Status().QueuedOperations, "failed uploads stay queued for retry")
}
