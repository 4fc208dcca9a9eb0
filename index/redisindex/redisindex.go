// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package redisindex implements index.Index against a single Redis
// sorted set, the way original_source's redis_queue.py module does:
// one key ("planet_round_queue"), member PlanetID, score the Unix
// timestamp of NextRunTime.
package redisindex

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/orrery/dispatch/index"
)

// queueKey is the single sorted set backing the index, matching
// original_source's QUEUE_KEY constant.
const queueKey = "planet_round_queue"

// Config configures the underlying Redis client.
type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Index is a Redis-backed index.Index. Every method fails soft: on
// any Redis error it logs at Warn/Error and returns the documented
// zero value rather than propagating the error, so a dead Redis
// degrades the dispatcher to reconciling from the Durable Store
// instead of taking it down.
type Index struct {
	rdb *redis.Client
	log *logrus.Entry
}

// New constructs an Index. It does not ping the backend; callers that
// want a fail-fast startup check should call Ping themselves.
func New(cfg Config, log *logrus.Entry) *Index {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Index{rdb: rdb, log: log.WithField("component", "redisindex")}
}

var _ index.Index = (*Index)(nil)

// Ping verifies connectivity to the backend.
func (x *Index) Ping(ctx context.Context) error {
	return x.rdb.Ping(ctx).Err()
}

func (x *Index) Upsert(ctx context.Context, planetID string, nextRunTime time.Time) bool {
	score := float64(nextRunTime.UnixNano()) / float64(time.Second)
	err := x.rdb.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: planetID}).Err()
	if err != nil {
		x.log.WithError(err).WithField("planet_id", planetID).Warn("index upsert failed, DS state unchanged")
		return false
	}
	return true
}

// PollDue returns planets whose score falls in (-inf, now], ordered
// ascending; ZRANGEBYSCORE's own tie-break (lexicographic on member
// name for equal scores) gives a stable order across repeated reads
// of an unchanged set.
func (x *Index) PollDue(ctx context.Context, now time.Time, limit int) ([]string, bool) {
	max := float64(now.UnixNano()) / float64(time.Second)
	opt := &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatScore(max),
		Count: int64(limit),
	}
	ids, err := x.rdb.ZRangeByScore(ctx, queueKey, opt).Result()
	if err != nil {
		x.log.WithError(err).Error("failed to poll due planets")
		return []string{}, false
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, true
}

func (x *Index) Remove(ctx context.Context, planetID string) bool {
	err := x.rdb.ZRem(ctx, queueKey, planetID).Err()
	if err != nil {
		x.log.WithError(err).WithField("planet_id", planetID).Warn("failed to remove planet from index")
		return false
	}
	return true
}

func (x *Index) Size(ctx context.Context) (int, bool) {
	n, err := x.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		x.log.WithError(err).Error("failed to read index size")
		return 0, false
	}
	return int(n), true
}

func (x *Index) PeekNextTime(ctx context.Context) (time.Time, bool) {
	vals, err := x.rdb.ZRangeWithScores(ctx, queueKey, 0, 0).Result()
	if err != nil {
		x.log.WithError(err).Error("failed to peek next due time")
		return time.Time{}, false
	}
	if len(vals) == 0 {
		return time.Time{}, false
	}
	return scoreToTime(vals[0].Score), true
}

func (x *Index) ListAll(ctx context.Context) ([]index.Entry, bool) {
	vals, err := x.rdb.ZRangeWithScores(ctx, queueKey, 0, -1).Result()
	if err != nil {
		x.log.WithError(err).Error("failed to list index entries")
		return nil, false
	}
	out := make([]index.Entry, 0, len(vals))
	for _, z := range vals {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, index.Entry{PlanetID: member, NextRunTime: scoreToTime(z.Score)})
	}
	return out, true
}

func (x *Index) Close() error {
	return x.rdb.Close()
}

func scoreToTime(score float64) time.Time {
	secs := int64(score)
	nanos := int64((score - float64(secs)) * float64(time.Second))
	return time.Unix(secs, nanos)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
