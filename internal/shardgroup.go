package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/syncmap"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// GroupDispatcher receives dispatch events along with the group of the
// shard that read them.
type GroupDispatcher interface {
	Dispatch(sg *ShardGroup, sh *Shard, payload *discord.GatewayPayload)
}

// groupReleaser is implemented by dispatchers that keep state per group.
type groupReleaser interface {
	ReleaseGroup(groupID int32)
}

// ShardGroup is a set of shards sharing one shard count.
type ShardGroup struct {
	Logger zerolog.Logger

	ID         int32
	ShardCount int32
	ShardIDs   []int32

	Shards *syncmap.Map[int32, *Shard]

	CreatedAt time.Time

	Error *atomic.String

	// Closed floodgates hold back dispatches while a reshard is pending so
	// consumers do not receive every event twice.
	floodgate *atomic.Bool

	dispatcher GroupDispatcher

	// Signalled on every stage change of a shard.
	changed chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewShardGroup creates the shards of a group. options is copied for every shard.
func NewShardGroup(logger zerolog.Logger, id, shardCount int32, shardIDs []int32, options ShardOptions, dispatcher GroupDispatcher) *ShardGroup {
	sg := &ShardGroup{
		Logger: logger.With().Int32("shardGroup", id).Logger(),

		ID:         id,
		ShardCount: shardCount,
		ShardIDs:   shardIDs,

		Shards: syncmap.New[int32, *Shard](),

		CreatedAt: time.Now().UTC(),

		Error:     atomic.NewString(""),
		floodgate: atomic.NewBool(true),

		dispatcher: dispatcher,

		changed: make(chan struct{}, 1),
	}

	onStage := options.OnStage
	options.OnStage = func(sh *Shard, stage Stage) {
		select {
		case sg.changed <- struct{}{}:
		default:
		}

		if onStage != nil {
			onStage(sh, stage)
		}
	}

	options.Dispatcher = DispatcherFunc(func(sh *Shard, payload *discord.GatewayPayload) {
		if sg.floodgate.Load() && sg.dispatcher != nil {
			sg.dispatcher.Dispatch(sg, sh, payload)
		}
	})

	for _, shardID := range shardIDs {
		sg.Shards.Store(shardID, NewShard(sg.Logger, shardID, shardCount, options))
	}

	return sg
}

// Open starts every shard in the background. Shards are stopped when ctx is
// done or Close is called.
func (sg *ShardGroup) Open(ctx context.Context) error {
	if sg.Shards.Count() == 0 {
		return ErrMissingShards
	}

	ctx, sg.cancel = context.WithCancel(ctx)

	sg.Logger.Info().
		Int("shards", sg.Shards.Count()).
		Msg("Starting shard group")

	sg.Shards.Range(func(_ int32, sh *Shard) bool {
		sg.wg.Add(1)

		go func(sh *Shard) {
			defer sg.wg.Done()

			if err := sh.Open(ctx); err != nil {
				sg.Error.Store(err.Error())
				sg.Logger.Error().Err(err).Int32("shardId", sh.ShardID).Msg("Shard stopped")

				select {
				case sg.changed <- struct{}{}:
				default:
				}
			}
		}(sh)

		return true
	})

	return nil
}

// SetFloodgate opens or closes dispatch delivery for the group.
func (sg *ShardGroup) SetFloodgate(open bool) {
	sg.floodgate.Store(open)
}

// ConnectedFraction returns the share of shards in the Connected stage.
func (sg *ShardGroup) ConnectedFraction() float64 {
	total := sg.Shards.Count()
	if total == 0 {
		return 0
	}

	connected := 0

	sg.Shards.Range(func(_ int32, sh *Shard) bool {
		if sh.Stage() == StageConnected {
			connected++
		}

		return true
	})

	return float64(connected) / float64(total)
}

// WaitForConnected blocks until at least threshold of the shards are
// connected. It returns early when a shard stops with a fatal error.
func (sg *ShardGroup) WaitForConnected(ctx context.Context, threshold float64) error {
	for {
		if sg.ConnectedFraction() >= threshold {
			return nil
		}

		if message := sg.Error.Load(); message != "" {
			return fmt.Errorf("shard group %d failed: %s", sg.ID, message)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sg.changed:
		}
	}
}

// Shard returns the shard with the given id.
func (sg *ShardGroup) Shard(shardID int32) (*Shard, bool) {
	return sg.Shards.Load(shardID)
}

// Close stops every shard and waits for them to exit.
func (sg *ShardGroup) Close() {
	sg.Logger.Info().Msg("Closing shard group")

	if sg.cancel != nil {
		sg.cancel()
	}

	sg.wg.Wait()

	if releaser, ok := sg.dispatcher.(groupReleaser); ok {
		releaser.ReleaseGroup(sg.ID)
	}
}

func (sg *ShardGroup) Status(live bool) ShardGroupStatus {
	status := ShardGroupStatus{
		ID:         sg.ID,
		ShardCount: sg.ShardCount,
		Connected:  sg.ConnectedFraction(),
		Live:       live,
		CreatedAt:  sg.CreatedAt,
		Shards:     make([]ShardStatus, 0, sg.Shards.Count()),
		Error:      sg.Error.Load(),
	}

	sg.Shards.Range(func(_ int32, sh *Shard) bool {
		status.Shards = append(status.Shards, sh.Status())

		return true
	})

	return status
}
