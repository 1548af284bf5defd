package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "idempotency.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func TestClaimCompleteReplay(t *testing.T) {
	ctx := context.Background()
	s := NewService(setupTestDB(t))

	claim, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, claim.Outcome)

	claim, err = s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, claim.Outcome)

	require.NoError(t, s.Complete(ctx, "k1", "h1", `{"order_id":"ORD_1"}`))

	claim, err = s.ClaimOrReplay(ctx, "k1", "h1", now.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, claim.Outcome)
	assert.Equal(t, `{"order_id":"ORD_1"}`, claim.Snapshot)
}

func TestClaimHashMismatchConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewService(setupTestDB(t))

	_, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)

	_, err = s.ClaimOrReplay(ctx, "k1", "h2", now, time.Hour)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	require.NoError(t, s.Complete(ctx, "k1", "h1", "done"))
	_, err = s.ClaimOrReplay(ctx, "k1", "h2", now, time.Hour)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestCompleteRequiresOwner(t *testing.T) {
	ctx := context.Background()
	s := NewService(setupTestDB(t))

	_, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Complete(ctx, "k1", "h2", "x"), ErrClaimNotHeld)
	assert.ErrorIs(t, s.Complete(ctx, "missing", "h1", "x"), ErrClaimNotHeld)
	require.NoError(t, s.Complete(ctx, "k1", "h1", "first"))
	assert.ErrorIs(t, s.Complete(ctx, "k1", "h1", "second"), ErrClaimNotHeld)

	claim, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "first", claim.Snapshot)
}

func TestReleaseClaim(t *testing.T) {
	ctx := context.Background()
	s := NewService(setupTestDB(t))

	_, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseClaim(ctx, "k1", "h2"))
	claim, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, claim.Outcome)

	require.NoError(t, s.ReleaseClaim(ctx, "k1", "h1"))
	claim, err = s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, claim.Outcome)
}

func TestReleaseClaimKeepsCompletedRecord(t *testing.T) {
	ctx := context.Background()
	s := NewService(setupTestDB(t))

	_, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "k1", "h1", "done"))

	require.NoError(t, s.ReleaseClaim(ctx, "k1", "h1"))
	claim, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, claim.Outcome)
}

func TestExpiredRecordsAreEvicted(t *testing.T) {
	ctx := context.Background()
	s := NewService(setupTestDB(t))

	_, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Minute)
	require.NoError(t, err)

	claim, err := s.ClaimOrReplay(ctx, "k1", "h2", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, claim.Outcome)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewService(setupTestDB(t))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		errs    int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := s.ClaimOrReplay(ctx, "k1", "h1", now, time.Hour)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				return
			}
			if claim.Outcome == OutcomeClaimed {
				claimed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	assert.Zero(t, errs)
}

func TestHashIsDeterministic(t *testing.T) {
	assert.Equal(t, Hash("a", "b"), Hash("a", "b"))
	assert.NotEqual(t, Hash("ab", ""), Hash("a", "b"))
	assert.Len(t, Hash("x"), 64)
}
