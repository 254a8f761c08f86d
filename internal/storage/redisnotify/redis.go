// Package redisnotify stores notifications in Redis so several sweep workers
// can share one dedup keyspace without a shared SQL database.
package redisnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"comparium/internal/maint"
	logx "comparium/pkg/logx"
)

type Config struct {
	URL          string
	Prefix       string
	PoolSize     int
	MinIdleConns int
}

// Store implements storage.NotificationStore.
//
// Keys:
//   - <prefix>n:<id>          notification JSON, written with SETNX
//   - <prefix>owner:<ownerID> sorted set of ids by createdAt (ms)
//   - <prefix>expiry          sorted set of ids by expiresAt (ms)
type Store struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

// upsertScript makes the record write and both index writes one step.
var upsertScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
return 1
`)

func New(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(rdb, cfg.Prefix, log), nil
}

func NewWithClient(rdb *redis.Client, prefix string, log logx.Logger) *Store {
	if prefix == "" {
		prefix = "maint:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{rdb: rdb, prefix: prefix, log: log.With(logx.String("comp", "redisnotify"))}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) recKey(id string) string      { return s.prefix + "n:" + id }
func (s *Store) ownerKey(owner string) string { return s.prefix + "owner:" + owner }
func (s *Store) expiryKey() string            { return s.prefix + "expiry" }

func (s *Store) UpsertNotification(ctx context.Context, key maint.DispatchKey, n maint.Notification) (bool, error) {
	n.ID = key.String()
	b, err := json.Marshal(n)
	if err != nil {
		return false, err
	}
	res, err := upsertScript.Run(ctx, s.rdb,
		[]string{s.recKey(n.ID), s.ownerKey(n.OwnerID), s.expiryKey()},
		string(b), n.CreatedAt.UnixMilli(), n.ExpiresAt.UnixMilli(), n.ID,
	).Int()
	if err != nil {
		return false, maint.Transient("upsert notification", err)
	}
	return res == 1, nil
}

func (s *Store) ListNotifications(ctx context.Context, ownerID string) ([]maint.Notification, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, maint.Transient("list notifications", err)
	}
	return s.load(ctx, ids)
}

func (s *Store) load(ctx context.Context, ids []string) ([]maint.Notification, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, maint.Transient("load notifications", err)
	}
	out := make([]maint.Notification, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry outlived its record.
			continue
		}
		var n maint.Notification
		if err := json.Unmarshal([]byte(str), &n); err != nil {
			s.log.Warn("notification undecodable", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, ownerID, id string) error {
	return s.update(ctx, ownerID, id, func(n *maint.Notification) { n.Read = true })
}

func (s *Store) MarkDismissed(ctx context.Context, ownerID, id string) error {
	return s.update(ctx, ownerID, id, func(n *maint.Notification) { n.Dismissed = true })
}

// update is an optimistic WATCH/MULTI read-modify-write.
func (s *Store) update(ctx context.Context, ownerID, id string, mut func(*maint.Notification)) error {
	key := s.recKey(id)
	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return &maint.NotFoundError{Kind: "notification", ID: id}
		}
		if err != nil {
			return err
		}
		var n maint.Notification
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		if n.OwnerID != ownerID {
			return &maint.NotFoundError{Kind: "notification", ID: id}
		}
		mut(&n)
		nb, err := json.Marshal(n)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, nb, 0)
			return nil
		})
		return err
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	return maint.Transient("mark notification", err)
}

func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, maint.Transient("purge notifications", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	ns, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	owners := make(map[string]string, len(ns))
	for _, n := range ns {
		owners[n.ID] = n.OwnerID
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.Del(ctx, s.recKey(id))
			p.ZRem(ctx, s.expiryKey(), id)
			if owner, ok := owners[id]; ok {
				p.ZRem(ctx, s.ownerKey(owner), id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, maint.Transient("purge notifications", err)
	}
	return len(ns), nil
}
