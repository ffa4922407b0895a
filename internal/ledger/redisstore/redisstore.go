// Package redisstore persists message ledgers in Redis so a dispatch can be
// resumed without re-sending to recipients already delivered to.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/mailfanout/internal/ledger"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "mailfanout:ledger"

// Store saves and loads ledgers keyed by message reference id.
//
// Keys:
//
//	<prefix>:<refid>:sent    set of delivered addresses
//	<prefix>:<refid>:errors  accumulated error log
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a store. An empty prefix selects DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) sentKey(refid string) string {
	return fmt.Sprintf("%s:%s:sent", s.prefix, refid)
}

func (s *Store) errorsKey(refid string) string {
	return fmt.Sprintf("%s:%s:errors", s.prefix, refid)
}

// Save writes the ledger. Delivered addresses are merged into the stored
// set; the error log replaces the stored one.
func (s *Store) Save(ctx context.Context, refid string, l *ledger.Ledger) error {
	snap := l.Snapshot()

	pipe := s.client.TxPipeline()
	if len(snap.Sent) > 0 {
		members := make([]interface{}, len(snap.Sent))
		for i, addr := range snap.Sent {
			members[i] = addr
		}
		pipe.SAdd(ctx, s.sentKey(refid), members...)
	}
	pipe.Set(ctx, s.errorsKey(refid), snap.Errors, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save ledger %s: %w", refid, err)
	}
	return nil
}

// Load reads the ledger for refid. A refid with no stored state yields an
// empty ledger.
func (s *Store) Load(ctx context.Context, refid string) (*ledger.Ledger, error) {
	sent, err := s.client.SMembers(ctx, s.sentKey(refid)).Result()
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", refid, err)
	}

	errs, err := s.client.Get(ctx, s.errorsKey(refid)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load ledger %s: %w", refid, err)
	}

	return ledger.Restore(ledger.Snapshot{Sent: sent, Errors: errs}), nil
}

// Delete removes the stored ledger for refid.
func (s *Store) Delete(ctx context.Context, refid string) error {
	if err := s.client.Del(ctx, s.sentKey(refid), s.errorsKey(refid)).Err(); err != nil {
		return fmt.Errorf("delete ledger %s: %w", refid, err)
	}
	return nil
}
