package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"genflow/internal/models"
)

// subscriberBuffer bounds each subscriber channel; a full subscriber drops
// frames rather than stalling the drain loop.
const subscriberBuffer = 64

// Broadcaster fans progress snapshots out to in-process subscribers and,
// when a redis client is supplied, publishes them on a channel so other
// extension hosts can watch the same jobs.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan models.ProgressSnapshot
	nextID  int
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

// New builds a broadcaster. client may be nil for in-process fan-out only.
func New(client *redis.Client, channel string, log zerolog.Logger) *Broadcaster {
	if channel == "" {
		channel = "genflow:progress"
	}
	return &Broadcaster{
		subs:    make(map[int]chan models.ProgressSnapshot),
		client:  client,
		channel: channel,
		log:     log.With().Str("component", "notify").Logger(),
	}
}

// Publish delivers a snapshot to every subscriber. Never blocks; consumers
// must tolerate both dropped and duplicated frames.
func (b *Broadcaster) Publish(snap models.ProgressSnapshot) {
	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	b.mu.Unlock()

	if b.client == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		b.log.Error().Err(err).Msg("marshal snapshot")
		return
	}
	if err := b.client.Publish(context.Background(), b.channel, raw).Err(); err != nil {
		b.log.Warn().Err(err).Str("channel", b.channel).Msg("publish snapshot")
	}
}

// Subscribe registers a snapshot channel. The returned cancel func must be
// called to release the subscription.
func (b *Broadcaster) Subscribe() (<-chan models.ProgressSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan models.ProgressSnapshot, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}
