package messaging

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
)

func init() {
	Register("stan", func() Client { return &StanClient{} })
}

type StanClient struct {
	NatsConn *nats.Conn `json:"-"`
	StanConn stan.Conn  `json:"-"`

	async bool

	channel string
	cluster string
}

func (stanMQ *StanClient) String() string {
	return "stan"
}

func (stanMQ *StanClient) Channel() string {
	return stanMQ.channel
}

func (stanMQ *StanClient) Cluster() string {
	return stanMQ.cluster
}

func (stanMQ *StanClient) Connect(ctx context.Context, clientName string, args map[string]interface{}) (err error) {
	address, err := requireString("stan", args, "Address")
	if err != nil {
		return err
	}

	if stanMQ.cluster, err = requireString("stan", args, "Cluster"); err != nil {
		return err
	}

	stanMQ.channel = optionalString(args, "Channel", "")
	stanMQ.async = optionalBool(args, "Async", false)

	var option stan.Option

	if optionalBool(args, "UseNATSConnection", true) {
		stanMQ.NatsConn, err = nats.Connect(address, nats.Name(clientName))
		if err != nil {
			return fmt.Errorf("stan connect nats: %w", err)
		}

		option = stan.NatsConn(stanMQ.NatsConn)
	} else {
		option = stan.NatsURL(address)
	}

	stanMQ.StanConn, err = stan.Connect(stanMQ.cluster, clientName, option)
	if err != nil {
		return fmt.Errorf("stan connect: %w", err)
	}

	return nil
}

func (stanMQ *StanClient) Publish(ctx context.Context, channel string, data []byte) (err error) {
	if stanMQ.async {
		_, err = stanMQ.StanConn.PublishAsync(channel, data, nil)

		return err
	}

	return stanMQ.StanConn.Publish(channel, data)
}

func (stanMQ *StanClient) Close() error {
	var err error

	if stanMQ.StanConn != nil {
		err = stanMQ.StanConn.Close()
	}

	if stanMQ.NatsConn != nil {
		stanMQ.NatsConn.Close()
	}

	return err
}
