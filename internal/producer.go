package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/messaging"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/accumulator"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/limiter"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/rs/zerolog"
)

// ProducedPayload is the envelope published for every dispatch event.
type ProducedPayload struct {
	discord.GatewayPayload

	Metadata ProducedMetadata `json:"__sandwich"`
}

type ProducedMetadata struct {
	Version    string `json:"v"`
	Identifier string `json:"i"`
	// Shard is [shard group, shard id, shard count].
	Shard [3]int32 `json:"s"`
}

// DefaultDispatchBuffer is the number of events queued per shard before
// Dispatch blocks the shard's read loop.
const DefaultDispatchBuffer = 1024

type shardKey struct {
	group int32
	shard int32
}

// Producer forwards dispatch events to a messaging client. Events of one
// shard are published in the order they were read. Delivery is best effort:
// events that fail to publish are counted and dropped.
type Producer struct {
	Logger zerolog.Logger

	Identifier string
	Channel    string

	client    messaging.Client
	blacklist map[string]struct{}

	// Bounds the number of events being published at once across shards.
	limiter *limiter.ConcurrencyLimiter

	queuesMu   sync.RWMutex
	queues     map[shardKey]chan *ProducedPayload
	bufferSize int
	closed     bool

	Events *accumulator.Accumulator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProducer creates a producer. A nil client only counts events.
func NewProducer(logger zerolog.Logger, identifier string, client messaging.Client, configuration ProducerConfiguration, events *accumulator.Accumulator) *Producer {
	concurrency := configuration.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultDispatchConcurrency
	}

	p := &Producer{
		Logger: logger.With().Str("producer", configuration.Type).Logger(),

		Identifier: identifier,
		Channel:    configuration.Channel,

		client:    client,
		blacklist: make(map[string]struct{}, len(configuration.Blacklist)),

		limiter: limiter.NewConcurrencyLimiter(concurrency),

		queues:     make(map[shardKey]chan *ProducedPayload),
		bufferSize: DefaultDispatchBuffer,

		Events: events,
	}

	for _, eventType := range configuration.Blacklist {
		p.blacklist[eventType] = struct{}{}
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())

	return p
}

// ConnectProducer creates and connects the messaging client named by the configuration.
func ConnectProducer(ctx context.Context, configuration ProducerConfiguration) (messaging.Client, error) {
	if configuration.Type == "" {
		return nil, nil
	}

	client, err := messaging.NewClient(configuration.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProducerMissing, err)
	}

	args := make(map[string]interface{}, len(configuration.Configuration)+1)
	for key, value := range configuration.Configuration {
		args[key] = value
	}

	if messaging.GetEntry(args, "Channel") == nil {
		args["Channel"] = configuration.Channel
	}

	if err := client.Connect(ctx, configuration.ClientName, args); err != nil {
		return nil, fmt.Errorf("failed to connect %s producer: %w", configuration.Type, err)
	}

	return client, nil
}

// Dispatch counts the event and queues it on the shard's publisher. It
// blocks while the shard's queue is full.
func (p *Producer) Dispatch(sg *ShardGroup, sh *Shard, payload *discord.GatewayPayload) {
	dispatchEvents.WithLabelValues(payload.Type).Inc()

	if p.Events != nil {
		p.Events.Increment()
	}

	if p.client == nil {
		return
	}

	if _, ok := p.blacklist[payload.Type]; ok {
		return
	}

	packet := &ProducedPayload{
		GatewayPayload: *payload,
		Metadata: ProducedMetadata{
			Version:    VERSION,
			Identifier: p.Identifier,
			Shard:      [3]int32{sg.ID, sh.ShardID, sh.ShardCount},
		},
	}

	if !p.enqueue(shardKey{group: sg.ID, shard: sh.ShardID}, packet) {
		p.Logger.Debug().Str("type", packet.Type).Msg("Producer closed, dropping event")
	}
}

// enqueue hands packet to the queue of key, starting its publisher on first
// use. It returns false once the producer is closed.
func (p *Producer) enqueue(key shardKey, packet *ProducedPayload) bool {
	for {
		p.queuesMu.RLock()

		if p.closed {
			p.queuesMu.RUnlock()

			return false
		}

		if queue, ok := p.queues[key]; ok {
			queue <- packet
			p.queuesMu.RUnlock()

			return true
		}

		p.queuesMu.RUnlock()

		p.queuesMu.Lock()

		if _, ok := p.queues[key]; !ok && !p.closed {
			queue := make(chan *ProducedPayload, p.bufferSize)
			p.queues[key] = queue

			p.wg.Add(1)

			go p.run(key, queue)
		}

		p.queuesMu.Unlock()
	}
}

// run publishes the events of one shard sequentially until its queue is closed.
func (p *Producer) run(key shardKey, queue <-chan *ProducedPayload) {
	defer p.wg.Done()

	for packet := range queue {
		if err := p.publish(packet); err != nil {
			dispatchFailures.Inc()

			p.Logger.Warn().Err(err).
				Str("type", packet.Type).
				Int32("shardGroup", key.group).
				Int32("shardId", key.shard).
				Msg("Failed to publish event")
		}
	}
}

// ReleaseGroup stops the publishers of a closed shard group once their
// queued events are published.
func (p *Producer) ReleaseGroup(groupID int32) {
	p.queuesMu.Lock()
	defer p.queuesMu.Unlock()

	for key, queue := range p.queues {
		if key.group == groupID {
			close(queue)
			delete(p.queues, key)
		}
	}
}

func (p *Producer) publish(packet *ProducedPayload) error {
	ticket, err := p.limiter.Wait(p.ctx)
	if err != nil {
		return err
	}
	defer p.limiter.FreeTicket(ticket)

	dispatchInflight.Inc()
	defer dispatchInflight.Dec()

	data, err := sandwichjson.Marshal(packet)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	return p.client.Publish(p.ctx, p.Channel, data)
}

// Close publishes the queued events and closes the messaging client.
func (p *Producer) Close() error {
	p.queuesMu.Lock()

	if !p.closed {
		p.closed = true

		for key, queue := range p.queues {
			close(queue)
			delete(p.queues, key)
		}
	}

	p.queuesMu.Unlock()

	p.wg.Wait()
	p.cancel()

	if p.client != nil {
		return p.client.Close()
	}

	return nil
}
