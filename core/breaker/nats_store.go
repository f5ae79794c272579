package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// maxSwapAttempts bounds the revision retry loop of Increment
const maxSwapAttempts = 32

// NATSStore keeps breaker keys in a JetStream key/value bucket. Expiry is
// a property of the bucket, so per-call ttls are ignored.
type NATSStore struct {
	kv nats.KeyValue
}

// OpenNATSStore binds to bucket, creating it with the given expiry if it
// does not exist yet
func OpenNATSStore(_ context.Context, js nats.JetStreamContext, bucket string, expiry time.Duration) (*NATSStore, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "circuit breaker state",
			History:     1,
			TTL:         expiry,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}
	return &NATSStore{kv: kv}, nil
}

// NewNATSStore wraps an existing bucket
func NewNATSStore(kv nats.KeyValue) *NATSStore {
	return &NATSStore{kv: kv}
}

func isConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (s *NATSStore) entry(key string) (nats.KeyValueEntry, error) {
	e, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return e, nil
}

// Get implements Store
func (s *NATSStore) Get(_ context.Context, key string) (string, bool, error) {
	e, err := s.entry(key)
	if err != nil || e == nil {
		return "", false, err
	}
	return string(e.Value()), true, nil
}

// Set implements Store
func (s *NATSStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	if _, err := s.kv.PutString(key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Increment implements Store with a revision checked update loop
func (s *NATSStore) Increment(ctx context.Context, key string, _ time.Duration) (int64, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		e, err := s.entry(key)
		if err != nil {
			return 0, err
		}
		if e == nil {
			_, err = s.kv.Create(key, []byte("1"))
			if err == nil {
				return 1, nil
			}
			if isConflict(err) {
				continue
			}
			return 0, fmt.Errorf("failed to increment %s: %w", key, err)
		}

		n, err := strconv.ParseInt(string(e.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to increment %s: %w", key, err)
		}
		n++
		_, err = s.kv.Update(key, []byte(strconv.FormatInt(n, 10)), e.Revision())
		if err == nil {
			return n, nil
		}
		if !isConflict(err) {
			return 0, fmt.Errorf("failed to increment %s: %w", key, err)
		}
	}
	return 0, fmt.Errorf("failed to increment %s: too much contention", key)
}

// CompareAndSwap implements Store
func (s *NATSStore) CompareAndSwap(_ context.Context, key, old, new string, _ time.Duration) (bool, error) {
	if old == "" {
		_, err := s.kv.Create(key, []byte(new))
		if isConflict(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to swap %s: %w", key, err)
		}
		return true, nil
	}

	e, err := s.entry(key)
	if err != nil {
		return false, err
	}
	if e == nil || string(e.Value()) != old {
		return false, nil
	}
	_, err = s.kv.Update(key, []byte(new), e.Revision())
	if isConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap %s: %w", key, err)
	}
	return true, nil
}

// Delete implements Store
func (s *NATSStore) Delete(_ context.Context, key string) error {
	if err := s.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
