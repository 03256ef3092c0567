package messaging

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func init() {
	Register("jetstream", func() Client { return &JetStreamClient{} })
}

type JetStreamClient struct {
	Conn      *nats.Conn          `json:"-"`
	JetStream jetstream.JetStream `json:"-"`
	Stream    jetstream.Stream    `json:"-"`

	channel string
}

func (jetstreamMQ *JetStreamClient) String() string {
	return "jetstream"
}

func (jetstreamMQ *JetStreamClient) Channel() string {
	return jetstreamMQ.channel
}

func (jetstreamMQ *JetStreamClient) Connect(ctx context.Context, clientName string, args map[string]interface{}) (err error) {
	address, err := requireString("jetstream", args, "Address")
	if err != nil {
		return err
	}

	jetstreamMQ.channel, err = requireString("jetstream", args, "Channel")
	if err != nil {
		return err
	}

	jetstreamMQ.Conn, err = nats.Connect(address, nats.Name(clientName))
	if err != nil {
		return fmt.Errorf("jetstream connect nats: %w", err)
	}

	jetstreamMQ.JetStream, err = jetstream.New(jetstreamMQ.Conn)
	if err != nil {
		return fmt.Errorf("jetstream new: %w", err)
	}

	retention := jetstream.WorkQueuePolicy
	if optionalBool(args, "UseInterestPolicy", false) {
		retention = jetstream.InterestPolicy
	}

	jetstreamMQ.Stream, err = jetstreamMQ.JetStream.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              jetstreamMQ.channel,
		Subjects:          []string{jetstreamMQ.channel + ".*"},
		Retention:         retention,
		Discard:           jetstream.DiscardOld,
		MaxAge:            5 * time.Minute,
		Storage:           jetstream.MemoryStorage,
		MaxMsgsPerSubject: 1_000_000,
		MaxMsgSize:        math.MaxInt32,
	})
	if err != nil {
		return fmt.Errorf("jetstream create stream: %w", err)
	}

	return nil
}

func (jetstreamMQ *JetStreamClient) Publish(ctx context.Context, channel string, data []byte) error {
	_, err := jetstreamMQ.JetStream.Publish(ctx, jetstreamMQ.channel+"."+channel, data)

	return err
}

func (jetstreamMQ *JetStreamClient) Close() error {
	if jetstreamMQ.Conn != nil {
		jetstreamMQ.Conn.Close()
	}

	return nil
}
