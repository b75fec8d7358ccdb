package authorityvalkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

type store struct {
	valkey valkey.Client
	prefix string
}

func newStore(valkeyClient valkey.Client, prefix string) *store {
	prefix = strings.TrimSuffix(prefix, ":")
	return &store{
		valkey: valkeyClient,
		prefix: prefix,
	}
}

// SetNX stores a marker under the key unless one exists. It reports whether
// the marker was written.
func (s *store) SetNX(ctx context.Context, objectType, id string, ttl time.Duration) (bool, error) {
	key := s.key(objectType, id)
	cmd := s.valkey.B().Set().Key(key).Value("1").Nx().ExSeconds(seconds(ttl)).Build()

	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			return false, nil
		}

		return false, fmt.Errorf("executing set nx command: %w", err)
	}

	return true, nil
}

func (s *store) Set(ctx context.Context, objectType, id string, ttl time.Duration) error {
	key := s.key(objectType, id)
	cmd := s.valkey.B().Set().Key(key).Value("1").ExSeconds(seconds(ttl)).Build()

	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

func (s *store) Exists(ctx context.Context, objectType, id string) (bool, error) {
	key := s.key(objectType, id)
	n, err := s.valkey.Do(ctx, s.valkey.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("executing exists command: %w", err)
	}

	return n > 0, nil
}

func (s *store) key(objectType string, objectID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, objectType, objectID)
}

// seconds rounds ttl up; valkey rejects an expiry of zero.
func seconds(ttl time.Duration) int64 {
	return max(int64((ttl+time.Second-1)/time.Second), 1)
}
