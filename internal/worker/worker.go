// Package worker hosts the queue-draining pools: chunk expansion and
// message sending. Both follow the same shape: a fetcher goroutine
// feeding a channel, N processors, and a commit only once the work stuck
// (at-least-once; anything uncommitted is re-fetched after a restart).
package worker

import (
	"context"
	"time"

	"github.com/merchbot/broadcast-gateway/internal/kafka"
)

// Consumer is the slice of the Kafka reader the workers consume.
type Consumer interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Producer publishes one payload to a single topic lane.
type Producer interface {
	Publish(ctx context.Context, key, value []byte) error
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
