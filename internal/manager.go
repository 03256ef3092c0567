package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gwlimiter "github.com/WelcomerTeam/RealRock/limiter"
	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/internal/identify"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/syncmap"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	reshardOutcomeThreshold = "threshold"
	reshardOutcomeTimeout   = "timeout"
	reshardOutcomeAbandoned = "abandoned"
)

// GatewayBotFetcher returns the recommended shard count, gateway url and
// session start limit of the application.
type GatewayBotFetcher interface {
	GatewayBot(ctx context.Context) (discord.GatewayBotResponse, error)
}

// ManagerOptions holds the collaborators of a Manager.
type ManagerOptions struct {
	Gateway GatewayBotFetcher
	Dialer  Dialer

	// Queue overrides the identify queue built from the configuration.
	Queue identify.Queue

	// Redis is used by the redis identify queue. It is created from the
	// configuration when nil.
	Redis redis.UniversalClient

	Dispatcher GroupDispatcher
}

// Manager runs the shard groups of one application and swaps them when
// resharding.
type Manager struct {
	Logger zerolog.Logger

	Identifier string

	configuration *Configuration
	options       ManagerOptions

	// Limits GET /gateway/bot to once a second.
	gatewayLimiter *gwlimiter.DurationLimiter

	gatewayMu sync.RWMutex
	gateway   discord.GatewayBotResponse

	queue identify.Queue

	ShardGroups  *syncmap.Map[int32, *ShardGroup]
	groupCounter *atomic.Int32
	current      *atomic.Int32

	resharding    *atomic.Bool
	reshardMu     sync.Mutex
	reshardCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager. Initialize must be called before Open.
func NewManager(logger zerolog.Logger, configuration *Configuration, options ManagerOptions) *Manager {
	return &Manager{
		Logger: logger.With().Str("manager", configuration.Identifier).Logger(),

		Identifier: configuration.Identifier,

		configuration: configuration,
		options:       options,

		gatewayLimiter: gwlimiter.NewDurationLimiter(1, time.Second),

		ShardGroups:  syncmap.New[int32, *ShardGroup](),
		groupCounter: atomic.NewInt32(0),
		current:      atomic.NewInt32(-1),

		resharding: atomic.NewBool(false),
	}
}

// Initialize fetches the gateway and creates the identify queue.
func (m *Manager) Initialize(ctx context.Context) error {
	gateway, err := m.FetchGatewayBot(ctx)
	if err != nil {
		return err
	}

	m.Logger.Info().
		Int32("recommendedShards", gateway.Shards).
		Int32("maxConcurrency", gateway.SessionStartLimit.MaxConcurrency).
		Int32("sessionsRemaining", gateway.SessionStartLimit.Remaining).
		Msg("Fetched gateway")

	if m.options.Queue != nil {
		m.queue = m.options.Queue

		return nil
	}

	m.queue, err = m.newQueue(gateway.SessionStartLimit)

	return err
}

func (m *Manager) newQueue(limit discord.SessionStartLimit) (identify.Queue, error) {
	configuration := m.configuration.Identify
	logger := m.Logger.With().Str("queue", configuration.Kind).Logger()

	switch configuration.Kind {
	case IdentifyKindLocal:
		return identify.NewLocalQueue(logger, configuration.Interval), nil
	case IdentifyKindLargeBot:
		fetcher := identify.FetcherFunc(func(ctx context.Context) (discord.SessionStartLimit, error) {
			gateway, err := m.FetchGatewayBot(ctx)

			return gateway.SessionStartLimit, err
		})

		return identify.NewLargeBotQueue(logger, fetcher, limit, configuration.Interval), nil
	case IdentifyKindRedis:
		client := m.options.Redis
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     configuration.RedisAddress,
				Password: configuration.RedisPassword,
				DB:       configuration.RedisDB,
			})
		}

		return identify.NewRedisQueue(client, configuration.RedisPrefix, m.configuration.Gateway.Token, limit.MaxConcurrency, configuration.Interval), nil
	case IdentifyKindURL:
		return identify.NewURLQueue(logger, configuration.URL, configuration.Headers, m.configuration.Gateway.Token, limit.MaxConcurrency, configuration.RetryInterval), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrConfigurationValidateQueue, configuration.Kind)
	}
}

// FetchGatewayBot calls GET /gateway/bot and caches the response.
func (m *Manager) FetchGatewayBot(ctx context.Context) (discord.GatewayBotResponse, error) {
	m.gatewayLimiter.Lock()

	gateway, err := m.options.Gateway.GatewayBot(ctx)
	if err != nil {
		return gateway, fmt.Errorf("failed to fetch gateway: %w", err)
	}

	m.gatewayMu.Lock()
	m.gateway = gateway
	m.gatewayMu.Unlock()

	return gateway, nil
}

// Gateway returns the last GET /gateway/bot response.
func (m *Manager) Gateway() discord.GatewayBotResponse {
	m.gatewayMu.RLock()
	defer m.gatewayMu.RUnlock()

	return m.gateway
}

// Queue returns the identify queue shared by every shard group.
func (m *Manager) Queue() identify.Queue {
	return m.queue
}

// Open starts the first shard group. Shards keep running until Close.
func (m *Manager) Open(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	shardCount, shardIDs := m.shardLayout(m.Gateway())

	sg := m.newShardGroup(shardCount, shardIDs)

	if err := sg.Open(m.ctx); err != nil {
		return err
	}

	m.ShardGroups.Store(sg.ID, sg)
	m.current.Store(sg.ID)

	return nil
}

// shardLayout returns the shard count and the shard ids this process runs.
func (m *Manager) shardLayout(gateway discord.GatewayBotResponse) (int32, []int32) {
	shardCount := m.configuration.Gateway.ShardCount
	if shardCount <= 0 {
		shardCount = gateway.Shards
	}

	if shardCount <= 0 {
		shardCount = 1
	}

	if m.configuration.Gateway.ShardIDs != "" {
		return shardCount, returnRange(m.configuration.Gateway.ShardIDs, shardCount)
	}

	shardIDs := make([]int32, 0, shardCount)
	for i := int32(0); i < shardCount; i++ {
		shardIDs = append(shardIDs, i)
	}

	return shardCount, shardIDs
}

func (m *Manager) newShardGroup(shardCount int32, shardIDs []int32) *ShardGroup {
	gateway := m.configuration.Gateway

	options := ShardOptions{
		Token:          gateway.Token,
		Intents:        gateway.Intents,
		LargeThreshold: gateway.LargeThreshold,
		Compress:       gateway.Compress,
		Version:        gateway.Version,
		Presence:       gateway.Presence,

		GatewayURL: replaceIfEmpty(gateway.URL, m.Gateway().URL),

		Dialer: m.options.Dialer,
		Queue:  m.queue,

		CommandWindow:    gateway.CommandWindow,
		HelloTimeout:     gateway.HelloTimeout,
		MinReconnectWait: gateway.MinReconnectWait,
		MaxReconnectWait: gateway.MaxReconnectWait,
	}

	return NewShardGroup(m.Logger, m.groupCounter.Inc(), shardCount, shardIDs, options, m.options.Dispatcher)
}

// CurrentGroup returns the shard group dispatches are delivered from.
func (m *Manager) CurrentGroup() (*ShardGroup, bool) {
	return m.ShardGroups.Load(m.current.Load())
}

// reshardTimeout is how long a reshard waits for the new group before
// swapping regardless.
func (m *Manager) reshardTimeout(shards int32) time.Duration {
	var estimate time.Duration

	if estimator, ok := m.queue.(identify.Estimator); ok {
		estimate = estimator.EstimateIdentifyDuration(shards)
	} else {
		estimate = time.Duration(shards) * m.configuration.Identify.Interval
	}

	return estimate + m.configuration.Reshard.Slack
}

// Reshard starts a shard group with the current recommended shard count and
// makes it live once enough of its shards are connected or the identify
// estimate runs out. Cancelling ctx abandons the new group.
func (m *Manager) Reshard(ctx context.Context) error {
	if !m.resharding.CompareAndSwap(false, true) {
		return ErrReshardActive
	}
	defer m.resharding.Store(false)

	if m.ctx == nil {
		return ErrShardClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.reshardMu.Lock()
	m.reshardCancel = cancel
	m.reshardMu.Unlock()

	defer func() {
		m.reshardMu.Lock()
		m.reshardCancel = nil
		m.reshardMu.Unlock()
	}()

	gateway, err := m.FetchGatewayBot(ctx)
	if err != nil {
		return err
	}

	shardCount, shardIDs := m.shardLayout(gateway)

	sg := m.newShardGroup(shardCount, shardIDs)
	sg.SetFloodgate(false)

	timeout := m.reshardTimeout(int32(len(shardIDs)))

	m.Logger.Info().
		Int32("shardGroup", sg.ID).
		Int32("shardCount", shardCount).
		Dur("timeout", timeout).
		Msg("Starting reshard")

	// Shards belong to the manager, not to the reshard request.
	if err := sg.Open(m.ctx); err != nil {
		return err
	}

	m.ShardGroups.Store(sg.ID, sg)

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()

	outcome := reshardOutcomeThreshold

	if err := sg.WaitForConnected(waitCtx, m.configuration.Reshard.Threshold); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			m.Logger.Warn().Err(err).Int32("shardGroup", sg.ID).Msg("Abandoning reshard")

			sg.Close()
			m.ShardGroups.Delete(sg.ID)
			reshards.WithLabelValues(reshardOutcomeAbandoned).Inc()

			return fmt.Errorf("reshard abandoned: %w", err)
		}

		outcome = reshardOutcomeTimeout
	}

	m.swap(sg)
	reshards.WithLabelValues(outcome).Inc()

	m.Logger.Info().
		Int32("shardGroup", sg.ID).
		Str("outcome", outcome).
		Float64("connected", sg.ConnectedFraction()).
		Msg("Reshard complete")

	return nil
}

// CancelReshard abandons a running reshard. It returns false if none is running.
func (m *Manager) CancelReshard() bool {
	m.reshardMu.Lock()
	defer m.reshardMu.Unlock()

	if m.reshardCancel == nil {
		return false
	}

	m.reshardCancel()

	return true
}

// Resharding reports whether a reshard is running.
func (m *Manager) Resharding() bool {
	return m.resharding.Load()
}

// swap makes sg the live group and closes every other group.
func (m *Manager) swap(sg *ShardGroup) {
	sg.SetFloodgate(true)
	m.current.Store(sg.ID)

	m.ShardGroups.Range(func(id int32, group *ShardGroup) bool {
		if id != sg.ID {
			m.ShardGroups.Delete(id)
			group.Close()
		}

		return true
	})
}

// ShardForGuild returns the shard of the live group that receives a guild's events.
func (m *Manager) ShardForGuild(guildID discord.Snowflake) (*Shard, bool) {
	sg, ok := m.CurrentGroup()
	if !ok {
		return nil, false
	}

	return sg.Shard(shardForGuild(guildID, sg.ShardCount))
}

// UpdatePresence sends a presence update on every shard of the live group.
func (m *Manager) UpdatePresence(ctx context.Context, presence *discord.UpdateStatus) error {
	sg, ok := m.CurrentGroup()
	if !ok {
		return ErrMissingShards
	}

	var errs []error

	sg.Shards.Range(func(shardID int32, sh *Shard) bool {
		if err := sh.UpdatePresence(ctx, presenceForShard(presence, shardID)); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", shardID, err))
		}

		return true
	})

	return errors.Join(errs...)
}

func (m *Manager) identifyStatus() IdentifyStatus {
	status := IdentifyStatus{Kind: m.configuration.Identify.Kind}

	if largeBot, ok := m.queue.(*identify.LargeBotQueue); ok {
		status.Remaining = largeBot.Remaining()
		status.ResetAt = largeBot.ResetAt()
		status.MaxConcurrency = largeBot.MaxConcurrency()
	}

	return status
}

// Status returns a snapshot of every shard group.
func (m *Manager) Status() ManagerStatus {
	status := ManagerStatus{
		Identifier:  m.Identifier,
		Resharding:  m.Resharding(),
		Identify:    m.identifyStatus(),
		ShardGroups: make([]ShardGroupStatus, 0, m.ShardGroups.Count()),
	}

	current := m.current.Load()

	m.ShardGroups.Range(func(id int32, sg *ShardGroup) bool {
		status.ShardGroups = append(status.ShardGroups, sg.Status(id == current))

		return true
	})

	return status
}

// Close stops every shard group and the identify queue.
func (m *Manager) Close() {
	m.CancelReshard()

	if m.cancel != nil {
		m.cancel()
	}

	m.ShardGroups.Range(func(_ int32, sg *ShardGroup) bool {
		sg.Close()

		return true
	})

	if closer, ok := m.queue.(interface{ Close() }); ok {
		closer.Close()
	}
}
