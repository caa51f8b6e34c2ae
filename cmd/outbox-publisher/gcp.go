package main

import (
	"context"
	"errors"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// cachedPublishers hands out one publisher per topic. Pub/Sub publishers own
// batching goroutines, so each is built once and reused across batches.
func cachedPublishers(client pubSubClient, inventoryTopic string) publisherFactory {
	var mu sync.Mutex
	cache := map[string]publisher{}
	return func(topic string) publisher {
		mu.Lock()
		defer mu.Unlock()
		if pub, ok := cache[topic]; ok {
			return pub
		}
		var raw *gcppubsub.Publisher
		if topic == inventoryTopic {
			raw = client.InventoryPublisher()
		} else {
			raw = client.Publisher(topic)
		}
		if raw == nil {
			return nil
		}
		pub := gcpPublisher{raw}
		cache[topic] = pub
		return pub
	}
}

type gcpPublisher struct {
	p *gcppubsub.Publisher
}

func (g gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return gcpResult{g.p.Publish(ctx, msg)}
}

type gcpResult struct {
	r *gcppubsub.PublishResult
}

func (g gcpResult) Get(ctx context.Context) (string, error) {
	if g.r == nil {
		return "", errors.New("publish result is nil")
	}
	return g.r.Get(ctx)
}
