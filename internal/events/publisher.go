package events

import (
	"context"
	"fmt"
	"log"
)

// Publisher fans events out to the durable store and the live bus. The two
// channels fail independently: a bus hiccup never loses durable history and
// a storage hiccup never stalls live subscribers. Publish reports success
// as long as the primary (durable) channel took the events.
type Publisher struct {
	store *Store
	bus   *Bus
}

// NewPublisher creates a publisher over a store and a bus. Either may be
// nil, in which case that channel is skipped.
func NewPublisher(store *Store, bus *Bus) *Publisher {
	return &Publisher{store: store, bus: bus}
}

// Publish delivers a batch of events to both channels in order
func (p *Publisher) Publish(ctx context.Context, batch []*Event) error {
	if len(batch) == 0 {
		return nil
	}

	var storeErr error
	if p.store != nil {
		storeErr = p.store.AppendBatch(ctx, batch)
		if storeErr != nil {
			log.Printf("[events] store append failed (%d events): %v", len(batch), storeErr)
		}
	}

	busOK := p.bus == nil
	if p.bus != nil {
		busOK = true
		for _, event := range batch {
			if err := p.bus.Publish(ctx, event); err != nil {
				log.Printf("[events] bus publish failed for %s: %v", event.Type, err)
				busOK = false
				break
			}
		}
	}

	// Partial failure is logged, not raised: one surviving channel is
	// enough to keep the workflow moving
	if storeErr != nil && !busOK {
		return fmt.Errorf("publishing events: both channels failed: %w", storeErr)
	}
	if storeErr != nil && p.bus == nil {
		return fmt.Errorf("publishing events: %w", storeErr)
	}
	return nil
}
