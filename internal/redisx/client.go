package redisx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	r := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pctx).Err(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return r, nil
}

// EnableExpiryEvents makes sure notify-keyspace-events contains "E" and "x"
// so that expired sentinels are published on __keyevent@<db>__:expired.
func EnableExpiryEvents(ctx context.Context, rdb *redis.Client) (string, error) {
	cur, err := rdb.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return "", err
	}
	current := cur["notify-keyspace-events"]
	if strings.Contains(current, "E") && strings.Contains(current, "x") {
		return current, nil
	}
	merged := mergeFlags(current, "Ex")
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", merged).Err(); err != nil {
		return "", err
	}
	return merged, nil
}

func mergeFlags(current, add string) string {
	seen := map[rune]bool{}
	var b strings.Builder
	for _, r := range current + add {
		if seen[r] {
			continue
		}
		seen[r] = true
		b.WriteRune(r)
	}
	return b.String()
}
