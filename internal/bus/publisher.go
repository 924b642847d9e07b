// Package bus publishes committed mutations onto the broker's collection and
// document channels. Publishing is best-effort: it runs after commit on the
// publish worker pool and a failure is logged, never rolled back — the
// client's periodic sync reconciles missed publications.
package bus

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/telestackhq/db/internal/domain"
	"github.com/telestackhq/db/internal/pkg/logger"
	"github.com/telestackhq/db/internal/pkg/worker"
	"github.com/telestackhq/db/pkg/realtime"
)

// Publisher broadcasts publications over Redis pub/sub.
type Publisher struct {
	client *redis.Client
	pools  *worker.Pools
}

// NewPublisher creates a Publisher. A nil client disables publication
// entirely (live features off, polling sync still works).
func NewPublisher(client *redis.Client, pools *worker.Pools) *Publisher {
	return &Publisher{client: client, pools: pools}
}

// Enabled reports whether a broker connection is configured.
func (p *Publisher) Enabled() bool {
	return p.client != nil
}

// Dispatch schedules the publications for delivery. All records from one
// commit go through a single pool task so they reach the broker in batch
// order; unrelated commits may interleave freely.
func (p *Publisher) Dispatch(pubs []realtime.Publication) {
	if p.client == nil || len(pubs) == 0 {
		return
	}
	records := append([]realtime.Publication(nil), pubs...)
	err := p.pools.SubmitDetached("publish", func(ctx context.Context) {
		for _, pub := range records {
			p.publish(ctx, pub)
		}
	})
	if err != nil {
		logger.Warn("Publish dispatch rejected by worker pool", zap.Error(err))
	}
}

func (p *Publisher) publish(ctx context.Context, pub realtime.Publication) {
	payload, err := json.Marshal(pub)
	if err != nil {
		logger.Error("Encode publication", zap.String("path", pub.Path), zap.Error(err))
		return
	}

	docPath, err := domain.ParseDocumentPath(pub.Path)
	if err != nil {
		logger.Error("Publication carries invalid path", zap.String("path", pub.Path), zap.Error(err))
		return
	}

	channels := []string{
		realtime.CollectionChannel(docPath.Parent().String()),
		realtime.DocumentChannel(pub.Path),
	}
	for _, channel := range channels {
		if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
			logger.Warn("Publish failed",
				zap.String("channel", channel),
				zap.String("path", pub.Path),
				zap.Int64("version", pub.Version),
				zap.Error(err),
			)
		}
	}
}
