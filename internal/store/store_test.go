package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/scanpoll/internal/config"
	"github.com/kiranshivaraju/scanpoll/internal/store"
	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

// setupTestDB starts a Postgres container, applies the embedded migrations and
// returns a connected pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("scanpoll_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))
	// Applying twice is a no-op.
	require.NoError(t, store.RunMigrations(connStr))

	pool, err := store.Connect(ctx, config.DatabaseConfig{URL: connStr, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func newKey(prefix string, now time.Time) *models.APIKey {
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      "key-" + prefix,
		KeyHash:   "bcrypt-hash-" + prefix,
		KeyPrefix: prefix,
		Scopes:    []string{"analyses:read", "analyses:write"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// --- API Key Tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := newKey("sp_abcd", now)
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "sp_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, key.KeyHash, keys[0].KeyHash)
	assert.Equal(t, []string{"analyses:read", "analyses:write"}, keys[0].Scopes)
	assert.Nil(t, keys[0].LastUsedAt)
}

func TestAPIKey_ListAndRevoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		k := newKey("sp_"+uuid.NewString()[:4], now.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.CreateAPIKey(ctx, k))
		ids = append(ids, k.ID)
	}

	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, ids[2], keys[0].ID, "newest first")

	require.NoError(t, s.RevokeAPIKey(ctx, ids[0]))
	keys, err = s.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, ids[0]), store.ErrNotFound)
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, uuid.New()), store.ErrNotFound)
}

func TestAPIKey_UpdateLastUsed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	key := newKey("sp_used", time.Now().UTC())
	require.NoError(t, s.CreateAPIKey(ctx, key))
	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))

	keys, err := s.GetAPIKeyByPrefix(ctx, "sp_used")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestAPIKey_DuplicateID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	key := newKey("sp_dup1", now)
	require.NoError(t, s.CreateAPIKey(ctx, key))

	dup := newKey("sp_dup2", now)
	dup.ID = key.ID
	assert.ErrorIs(t, s.CreateAPIKey(ctx, dup), store.ErrDuplicateKey)
}

// --- Analysis Tests ---

func pollingRecord(jobID string, at time.Time) *models.AnalysisRecord {
	return &models.AnalysisRecord{
		Snapshot: models.Snapshot{
			State:     models.StatePolling,
			Job:       &models.Job{ID: jobID, Status: models.JobStatusPending},
			Request:   &models.JobRequest{SubjectID: "S1", Modality: "CT", BodyPart: "HEAD"},
			UpdatedAt: at,
		},
	}
}

func TestAnalysis_SaveAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.SaveAnalysis(ctx, pollingRecord("J1", now)))

	got, err := s.GetAnalysis(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePolling, got.State)
	assert.Equal(t, models.JobStatusPending, got.Job.Status)
	assert.Nil(t, got.Job.Results)
	require.NotNil(t, got.Request)
	assert.Equal(t, "CT", got.Request.Modality)
	assert.True(t, now.Equal(got.CreatedAt))
}

func TestAnalysis_UpsertKeepsHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.SaveAnalysis(ctx, pollingRecord("J1", now)))

	started := now.Add(time.Second)
	done := pollingRecord("J1", now.Add(4*time.Second))
	done.State = models.StateSucceeded
	done.Attempts = 2
	done.Job = &models.Job{
		ID:        "J1",
		Status:    models.JobStatusCompleted,
		StartedAt: &started,
		Results:   &models.Results{OutputPath: "/outputs/J1/seg.nii.gz", OutputFiles: []models.OutputFile{{Type: "mask", Path: "/outputs/J1/seg.nii.gz", Filename: "seg.nii.gz"}}},
	}
	require.NoError(t, s.SaveAnalysis(ctx, done))

	got, err := s.GetAnalysis(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, got.State)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.Job.Results)
	assert.Equal(t, "seg.nii.gz", got.Job.Results.DownloadFilename())
	require.NotNil(t, got.Job.StartedAt)
	assert.True(t, started.Equal(*got.Job.StartedAt))
	assert.True(t, now.Equal(got.CreatedAt), "created_at survives updates")

	events, err := s.ListAnalysisEvents(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StatePolling, events[0].State)
	assert.Equal(t, models.StateSucceeded, events[1].State)
	assert.Equal(t, models.JobStatusCompleted, events[1].Status)
}

func TestAnalysis_FailedRecord(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	msg := "out of memory"
	rec := pollingRecord("J9", time.Now().UTC())
	rec.State = models.StateFailed
	rec.FailureReason = models.FailureRemote
	rec.Message = msg
	rec.RetryOf = "J8"
	rec.Job = &models.Job{ID: "J9", Status: models.JobStatusFailed, Error: &msg}
	require.NoError(t, s.SaveAnalysis(ctx, rec))

	got, err := s.GetAnalysis(ctx, "J9")
	require.NoError(t, err)
	assert.Equal(t, models.FailureRemote, got.FailureReason)
	assert.Equal(t, msg, got.Message)
	assert.Equal(t, "J8", got.RetryOf)
	require.NotNil(t, got.Job.Error)
	assert.Equal(t, msg, *got.Job.Error)
}

func TestAnalysis_SaveWithoutJobID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	err := s.SaveAnalysis(context.Background(), &models.AnalysisRecord{Snapshot: models.Snapshot{State: models.StateFailed}})
	assert.Error(t, err)
}

func TestAnalysis_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.GetAnalysis(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAnalysis_ListFiltersAndPaginates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 5; i++ {
		rec := pollingRecord("P"+string(rune('0'+i)), now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.SaveAnalysis(ctx, rec))
	}
	other := pollingRecord("Q1", now)
	other.Request.SubjectID = "S2"
	other.State = models.StateFailed
	require.NoError(t, s.SaveAnalysis(ctx, other))

	recs, total, err := s.ListAnalyses(ctx, store.AnalysisFilter{SubjectID: "S1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, recs, 2)
	assert.Equal(t, "P4", recs[0].JobID(), "most recently updated first")

	recs, _, err = s.ListAnalyses(ctx, store.AnalysisFilter{SubjectID: "S1", Limit: 2, Page: 3})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "P0", recs[0].JobID())

	recs, total, err = s.ListAnalyses(ctx, store.AnalysisFilter{State: models.StateFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Q1", recs[0].JobID())

	_, total, err = s.ListAnalyses(ctx, store.AnalysisFilter{Since: now.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	assert.NoError(t, s.Ping(context.Background()))
}
