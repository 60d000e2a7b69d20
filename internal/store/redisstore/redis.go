// Package redisstore keeps room snapshots in Redis, for deployments where
// several daemons share one snapshot backend.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cineflow:snapshot:"

// Store implements store.SnapshotStore on Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to addr, which is either host:port or a redis:// URL, and
// checks the connection. A zero ttl keeps snapshots forever.
func New(ctx context.Context, addr string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Store{client: client, ttl: ttl}, nil
}

func key(room string) string {
	return keyPrefix + room
}

// LoadSnapshot returns the stored snapshot of room, or nil.
func (s *Store) LoadSnapshot(ctx context.Context, room string) (*models.Snapshot, error) {
	body, err := s.client.Get(ctx, key(room)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap models.Snapshot
	if err := sonic.UnmarshalString(body, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot replaces the stored snapshot of room.
func (s *Store) SaveSnapshot(ctx context.Context, room string, snap models.Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	body, err := sonic.MarshalString(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, key(room), body, s.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// ListSnapshotRooms returns the rooms that have a stored snapshot, sorted.
func (s *Store) ListSnapshotRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rooms = append(rooms, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
