// Package peerstore implements the optional Redis-backed crash-recovery
// cache for server-side reconnect state (SPEC_FULL.md §4.8). It is purely
// additive: the in-memory peer table (pkg/peer) is the only source of
// truth for a running process. cmd/vpntun saves a record on every
// connect/reconnect and forgets it on disconnect; nothing reads records
// back (Lookup has no caller), so a ClientReconnect for an (id, secret)
// pair the in-memory table does not recognize is rejected whatever Redis
// holds. Grounded on this codebase's
// pkg/persistence/redis.go, narrowed from its general peer/session/
// challenge caching to the single (id, secret, vpn_address) record this
// protocol needs.
package peerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is the durable shadow of a peer.Remote's reconnect-relevant
// fields, cached under key "vpntun:peer:<id>".
type Record struct {
	ID      uint8  `json:"id"`
	Secret  uint64 `json:"secret"`
	VPNAddr string `json:"vpn_addr"`
}

// Config holds the Redis connection settings (mirrors
// pkg/config.PeerstoreConfig).
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// Store caches reconnect records in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Open connects to Redis and verifies reachability with a Ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("peerstore: connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Store{client: client, ttl: ttl}, nil
}

func key(id uint8) string {
	return fmt.Sprintf("vpntun:peer:%d", id)
}

// Save persists r's reconnect-relevant fields, refreshing the TTL.
func (s *Store) Save(ctx context.Context, id uint8, secret uint64, vpn net.IP) error {
	rec := Record{ID: id, Secret: secret, VPNAddr: vpn.String()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("peerstore: marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("peerstore: save record: %w", err)
	}
	return nil
}

// Lookup retrieves the cached record for id, reporting false when none is
// cached. The endpoint's reconnect handling does not call it.
func (s *Store) Lookup(ctx context.Context, id uint8) (Record, bool, error) {
	data, err := s.client.Get(ctx, key(id)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("peerstore: lookup record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, false, fmt.Errorf("peerstore: unmarshal record: %w", err)
	}
	return rec, true, nil
}

// Forget removes id's cached record, called on a normal disconnect so a
// restarted server never revives a peer that left cleanly.
func (s *Store) Forget(ctx context.Context, id uint8) error {
	if err := s.client.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("peerstore: forget record: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
