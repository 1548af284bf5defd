// Package idempotency deduplicates logically identical commands and replays
// the result of a completed one.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	// ErrIdempotencyConflict means a different request reused the key
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrClaimNotHeld        = errors.New("idempotency claim not held")
)

type Outcome string

const (
	OutcomeClaimed    Outcome = "CLAIMED"
	OutcomeReplayed   Outcome = "REPLAYED"
	OutcomeInProgress Outcome = "IN_PROGRESS"
)

// Claim is the result of ClaimOrReplay. Snapshot is set only on a replay.
type Claim struct {
	Outcome  Outcome
	Snapshot string
}

type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

// ClaimOrReplay claims key for requestHash or resolves an existing record
func (s *Service) ClaimOrReplay(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (Claim, error) {
	logger := log.With().
		Str("idempotency_key", key).
		Str("service", "idempotency").
		Logger()

	if key == "" || requestHash == "" {
		return Claim{}, fmt.Errorf("idempotency key and request hash are required")
	}

	if n, err := s.db.DeleteExpired(ctx, now); err != nil {
		logger.Warn().Err(err).Msg("failed to evict expired idempotency records")
	} else if n > 0 {
		logger.Debug().Int64("evicted", n).Msg("evicted expired idempotency records")
	}

	// A record evicted between a lost insert and the read is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		existing, found, err := s.db.Get(ctx, key)
		if err != nil {
			return Claim{}, fmt.Errorf("failed to read idempotency record: %w", err)
		}
		if found {
			return resolve(existing, requestHash)
		}

		won, err := s.db.InsertIfAbsent(ctx, &Record{
			Key:         key,
			RequestHash: requestHash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		})
		if err != nil {
			return Claim{}, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if won {
			logger.Debug().Msg("idempotency key claimed")
			return Claim{Outcome: OutcomeClaimed}, nil
		}
	}

	existing, found, err := s.db.Get(ctx, key)
	if err != nil {
		return Claim{}, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	if !found {
		return Claim{}, fmt.Errorf("idempotency key %s could not be claimed", key)
	}
	return resolve(existing, requestHash)
}

func resolve(rec *Record, requestHash string) (Claim, error) {
	if rec.RequestHash != requestHash {
		return Claim{}, fmt.Errorf("%w: key %s", ErrIdempotencyConflict, rec.Key)
	}
	if rec.Completed() {
		return Claim{Outcome: OutcomeReplayed, Snapshot: *rec.ResultSnapshot}, nil
	}
	return Claim{Outcome: OutcomeInProgress}, nil
}

// Complete attaches the result snapshot to a claim owned by hash
func (s *Service) Complete(ctx context.Context, key, hash, result string) error {
	ok, err := s.db.AttachResult(ctx, key, hash, result)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: key %s", ErrClaimNotHeld, key)
	}
	return nil
}

// ReleaseClaim removes an unfinished claim so the command can be retried.
// Completed records and claims owned by another hash are left alone.
func (s *Service) ReleaseClaim(ctx context.Context, key, hash string) error {
	removed, err := s.db.DeleteUnfinished(ctx, key, hash)
	if err != nil {
		return fmt.Errorf("failed to release idempotency claim: %w", err)
	}
	if removed {
		log.Debug().Str("idempotency_key", key).Msg("idempotency claim released")
	}
	return nil
}

// Hash fingerprints the given parts into a hex sha256
func Hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
