package linkstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"go.interpose.dev/interpose/internal/netutil"
)

const (
	DefaultRedisTTL = 24 * time.Hour
	connectTimeout  = 5 * time.Second
)

var _ Store = &RedisStore{}

type RedisParams struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key.
	Prefix string
	// TTL is how long a link is kept.
	TTL time.Duration
}

// RedisStore keeps links in Redis, so several daemons can share a view of recent sessions.
// Each link is a JSON value with an expiry, indexed by a sorted set scored by creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, params RedisParams) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     params.Addr,
		Password: params.Password,
		DB:       params.DB,
	})
	ctx, cf := context.WithTimeout(ctx, connectTimeout)
	defer cf()
	if err := netutil.Retry(ctx, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", params.Addr)
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{
		client: client,
		prefix: params.Prefix,
		ttl:    ttl,
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	cutoff := r.CreatedAt.Add(-s.ttl).UnixNano()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.linkKey(r.OutboundID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(r.CreatedAt.UnixNano()),
		Member: r.OutboundID,
	})
	pipe.ZRemRangeByScore(ctx, s.indexKey(), "-inf", strconv.FormatInt(cutoff, 10))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.linkKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var ret []Record
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// expired
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) linkKey(id string) string {
	return s.prefix + "link:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "links"
}
