// Package outbox drains transactionally staged events to the bus.
// Delivery is at-least-once: a crash between publish and mark republishes
// the row, and consumers tolerate duplicates.
package outbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/internal/ledger"
)

const defaultBatchSize = 256

// Bus is the publish half of the event bus.
type Bus interface {
	PublishRaw(subject string, data []byte) error
}

// Publisher polls the outbox table and forwards rows to the bus.
type Publisher struct {
	store    *ledger.Store
	bus      Bus
	interval time.Duration
	batch    int
	logger   *logrus.Entry
}

// NewPublisher creates an outbox publisher.
func NewPublisher(store *ledger.Store, bus Bus, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Publisher{
		store:    store,
		bus:      bus,
		interval: interval,
		batch:    defaultBatchSize,
		logger:   logrus.WithField("component", "outbox"),
	}
}

// Run drains on an interval until the context ends, then makes one final
// pass so a graceful shutdown leaves no publishable backlog.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Infof("Outbox publisher started, interval %s", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain(context.Background())
			p.logger.Info("Outbox publisher stopped")
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain publishes every unpublished row in batches, oldest first.
func (p *Publisher) drain(ctx context.Context) {
	for {
		n, err := p.DrainOnce(ctx)
		if err != nil {
			p.logger.Errorf("Outbox drain failed: %v", err)
			return
		}
		if n < p.batch {
			return
		}
	}
}

// DrainOnce publishes up to one batch and returns how many rows moved.
// A row that fails to publish blocks the batch tail so ordering within
// the table holds.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	rows, err := p.store.UnpublishedOutbox(ctx, p.batch)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	published := make([]uint, 0, len(rows))
	for _, row := range rows {
		if err := p.bus.PublishRaw(row.Subject, row.Payload); err != nil {
			p.logger.Errorf("Publish of outbox row %d to %s failed: %v", row.ID, row.Subject, err)
			break
		}
		published = append(published, row.ID)
	}

	if err := p.store.MarkOutboxPublished(ctx, published); err != nil {
		// Rows republish next pass; consumers dedupe.
		return len(published), err
	}
	return len(published), nil
}
