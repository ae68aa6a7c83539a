// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is prepended to the name of every transcript stored in Redis.
const KeyPrefix = "transcript:"

// RedisSink pushes transcripts onto Redis lists.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration

	// Now returns the time used to name transcripts.
	// If nil time.Now is used.
	Now func() time.Time
}

// NewRedisSink returns a sink that stores transcripts with client.
// If ttl is greater than zero transcripts expire after it.
func NewRedisSink(client *redis.Client, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, ttl: ttl}
}

// Key returns the Redis key a transcript is stored under.
func Key(label string, t time.Time) string {
	return KeyPrefix + Name(label, t)
}

// ArchiveTranscript satisfies Sink.
// Empty transcripts are not stored.
func (s *RedisSink) ArchiveTranscript(ctx context.Context, label string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	key := Key(label, now(s.Now))
	values := make([]interface{}, 0, len(lines))
	for _, line := range lines {
		values = append(values, line)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive: storing %s: %w", key, err)
	}
	return nil
}
