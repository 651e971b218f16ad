package goMFA

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goMFA/internal/stores"
	"github.com/redis/go-redis/v9"
)

// redisPendingStore adapts stores.PendingStore to PendingStore.
type redisPendingStore struct {
	store *stores.PendingStore
}

func newRedisPendingStore(client redis.UniversalClient, cfg PendingConfig, now func() time.Time) *redisPendingStore {
	return &redisPendingStore{
		store: stores.NewPendingStore(client, cfg.RedisPrefix, cfg.ExpiredRetention, now),
	}
}

func (s *redisPendingStore) Save(ctx context.Context, record *PendingTwoFactor) error {
	if record == nil || record.ID == "" {
		return ErrInvalidInput
	}
	err := s.store.Save(ctx, record.ID, &stores.PendingRecord{
		UserID:    record.UserID,
		Type:      string(record.Type),
		Challenge: record.Challenge,
		ExpiresAt: record.ExpiresAt.UnixMilli(),
		Attempts:  record.Attempts,
	})
	return mapPendingStoreError(err)
}

func (s *redisPendingStore) Get(ctx context.Context, id string) (*PendingTwoFactor, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, mapPendingStoreError(err)
	}
	return &PendingTwoFactor{
		ID:        id,
		UserID:    rec.UserID,
		Type:      ChallengeType(rec.Type),
		Challenge: rec.Challenge,
		ExpiresAt: rec.Expiry(),
		Attempts:  rec.Attempts,
	}, nil
}

func (s *redisPendingStore) IncrementAttempts(ctx context.Context, id string) (uint32, error) {
	n, err := s.store.IncrementAttempts(ctx, id)
	return n, mapPendingStoreError(err)
}

func (s *redisPendingStore) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Delete(ctx, id)
	return ok, mapPendingStoreError(err)
}

func mapPendingStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrPendingNotFound):
		return ErrRecordNotFound
	case errors.Is(err, ErrInvalidInput):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
}
