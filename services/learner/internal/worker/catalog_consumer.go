package worker

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/coursecraft/services/learner/internal/catalog"
	"github.com/example/coursecraft/services/learner/internal/progress"
)

const (
	SubjectCourseUpserted = "catalog.course.upserted"
	catalogDurable        = "learner_catalog"
)

// PullSubscriber is the part of nats.JetStreamContext the consumer needs.
type PullSubscriber interface {
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// CatalogConsumer applies catalog course updates to stored progress records.
type CatalogConsumer struct {
	Store     *progress.Store
	Log       *zap.Logger
	BatchSize int
	MaxWait   time.Duration
}

// Apply handles one message body. It reports whether a stored record was
// updated. Undecodable payloads return an error and should be dropped.
func (c *CatalogConsumer) Apply(ctx context.Context, data []byte) (bool, error) {
	meta, err := catalog.DecodeCourse(data)
	if err != nil {
		return false, err
	}
	return c.Store.ApplyMetadata(ctx, meta), nil
}

// Start subscribes to catalog.course.upserted and processes messages until
// ctx is done. The returned channel closes when the loop exits.
func (c *CatalogConsumer) Start(ctx context.Context, js PullSubscriber) (<-chan struct{}, error) {
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 2 * time.Second
	}
	sub, err := js.PullSubscribe(SubjectCourseUpserted, catalogDurable)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				c.Log.Debug("catalog_consumer: unsubscribe", zap.Error(err))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := sub.Fetch(c.BatchSize, nats.MaxWait(c.MaxWait))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				c.Log.Warn("catalog_consumer: fetch error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, m := range msgs {
				c.handle(ctx, m)
			}
		}
	}()
	return done, nil
}

func (c *CatalogConsumer) handle(ctx context.Context, m *nats.Msg) {
	updated, err := c.Apply(ctx, m.Data)
	if err != nil {
		c.Log.Warn("catalog_consumer: invalid payload, dropping", zap.Error(err))
		if err := m.Term(); err != nil {
			c.Log.Warn("catalog_consumer: term error", zap.Error(err))
		}
		return
	}
	if updated {
		c.Log.Debug("catalog_consumer: metadata applied")
	}
	if err := m.Ack(); err != nil {
		c.Log.Warn("catalog_consumer: ack error", zap.Error(err))
	}
}
