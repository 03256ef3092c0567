package messaging

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"
)

func init() {
	Register("kafka", func() Client { return &KafkaClient{} })
}

type KafkaClient struct {
	Writer *kafka.Writer

	channel string
}

func parseKafkaBalancer(balancer string) kafka.Balancer {
	switch balancer {
	case "crc32":
		return &kafka.CRC32Balancer{}
	case "hash":
		return &kafka.Hash{}
	case "murmur2":
		return &kafka.Murmur2Balancer{}
	case "roundrobin":
		return &kafka.RoundRobin{}
	default:
		return &kafka.LeastBytes{}
	}
}

func (kafkaMQ *KafkaClient) String() string {
	return "kafka"
}

func (kafkaMQ *KafkaClient) Channel() string {
	return kafkaMQ.channel
}

func (kafkaMQ *KafkaClient) Connect(ctx context.Context, clientName string, args map[string]interface{}) error {
	address, err := requireString("kafka", args, "Address")
	if err != nil {
		return err
	}

	kafkaMQ.channel = optionalString(args, "Channel", "")

	kafkaMQ.Writer = &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(address, ",")...),
		Balancer:               parseKafkaBalancer(optionalString(args, "Balancer", "")),
		Async:                  optionalBool(args, "Async", false),
		AllowAutoTopicCreation: true,
	}

	return nil
}

func (kafkaMQ *KafkaClient) Publish(ctx context.Context, channel string, data []byte) error {
	return kafkaMQ.Writer.WriteMessages(ctx, kafka.Message{
		Topic: channel,
		Value: data,
	})
}

func (kafkaMQ *KafkaClient) Close() error {
	if kafkaMQ.Writer == nil {
		return nil
	}

	return kafkaMQ.Writer.Close()
}
