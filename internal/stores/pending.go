package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingRecordVersion1 = 1
	pendingMaxRetries     = 4
	pendingMaxFieldLen    = 65535
)

var (
	ErrPendingNotFound = errors.New("pending record not found")
	ErrPendingBackend  = errors.New("pending record backend unavailable")
	ErrPendingCorrupt  = errors.New("pending record corrupt")
)

// PendingRecord is the stored form of a pending two-factor challenge.
type PendingRecord struct {
	UserID    string
	Type      string
	Challenge []byte
	ExpiresAt int64 // unix milliseconds
	Attempts  uint32
}

// Expiry returns ExpiresAt as a time.Time.
func (r *PendingRecord) Expiry() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// PendingStore keeps pending records in Redis. Keys outlive the logical
// expiry by a grace period so callers can still observe an expired record
// and delete it explicitly. Key TTLs are measured against now, the same
// clock that stamped ExpiresAt.
type PendingStore struct {
	redis  redis.UniversalClient
	prefix string
	grace  time.Duration
	now    func() time.Time
}

// NewPendingStore returns a store under prefix. A nil now means time.Now.
func NewPendingStore(redisClient redis.UniversalClient, prefix string, grace time.Duration, now func() time.Time) *PendingStore {
	if prefix == "" {
		prefix = "mfa:pending"
	}
	if grace < 0 {
		grace = 0
	}
	if now == nil {
		now = time.Now
	}
	return &PendingStore{
		redis:  redisClient,
		prefix: prefix,
		grace:  grace,
		now:    now,
	}
}

func (s *PendingStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *PendingStore) retention(record *PendingRecord) time.Duration {
	return record.Expiry().Sub(s.now()) + s.grace
}

func (s *PendingStore) Save(ctx context.Context, id string, record *PendingRecord) error {
	ttl := s.retention(record)
	if ttl <= 0 {
		return fmt.Errorf("%w: record already past retention", ErrPendingBackend)
	}
	encoded, err := encodePendingRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(id), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}
	return nil
}

// Get returns the record even when its logical expiry has passed.
func (s *PendingStore) Get(ctx context.Context, id string) (*PendingRecord, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}
	return decodePendingRecord(data)
}

func (s *PendingStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}
	return n > 0, nil
}

// IncrementAttempts atomically bumps the attempt counter and returns the
// new value. Concurrent callers never observe the same value.
func (s *PendingStore) IncrementAttempts(ctx context.Context, id string) (uint32, error) {
	key := s.key(id)

	for i := 0; i < pendingMaxRetries; i++ {
		var attempts uint32
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := decodePendingRecord(data)
			if err != nil {
				return err
			}

			record.Attempts++
			attempts = record.Attempts

			ttl := s.retention(record)
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return redis.Nil
			}

			updated, err := encodePendingRecord(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return 0, ErrPendingNotFound
			}
			if errors.Is(err, ErrPendingCorrupt) {
				return 0, err
			}
			return 0, fmt.Errorf("%w: %v", ErrPendingBackend, err)
		}
		return attempts, nil
	}

	return 0, fmt.Errorf("%w: attempt counter contention", ErrPendingBackend)
}

func encodePendingRecord(record *PendingRecord) ([]byte, error) {
	if len(record.UserID) > pendingMaxFieldLen ||
		len(record.Type) > pendingMaxFieldLen ||
		len(record.Challenge) > pendingMaxFieldLen {
		return nil, errors.New("pending record field length exceeded")
	}

	var buf bytes.Buffer
	buf.WriteByte(pendingRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	for _, field := range [][]byte{[]byte(record.UserID), []byte(record.Type), record.Challenge} {
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.Write(field)
	}

	return buf.Bytes(), nil
}

func decodePendingRecord(data []byte) (*PendingRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrPendingCorrupt
	}
	if version != pendingRecordVersion1 {
		return nil, fmt.Errorf("%w: version %d", ErrPendingCorrupt, version)
	}

	record := &PendingRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, ErrPendingCorrupt
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, ErrPendingCorrupt
	}

	fields := make([][]byte, 3)
	for i := range fields {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, ErrPendingCorrupt
		}
		fields[i] = make([]byte, n)
		if _, err := io.ReadFull(reader, fields[i]); err != nil {
			return nil, ErrPendingCorrupt
		}
	}
	record.UserID = string(fields[0])
	record.Type = string(fields[1])
	record.Challenge = fields[2]

	return record, nil
}
