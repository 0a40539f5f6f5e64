// Package messaging publishes the pool's share, block and session events
// to Kafka.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/stratumpool/pkg/circuit"
	"github.com/bardlex/stratumpool/pkg/errors"
	"github.com/bardlex/stratumpool/pkg/log"
	"github.com/bardlex/stratumpool/pkg/retry"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events to one Kafka cluster, one writer per topic.
type Publisher struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]messageWriter
	writersMu      sync.Mutex
	newWriter      func(topic string) messageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewPublisher creates a Publisher for brokers. onStateChange, if set,
// observes the publisher's circuit breaker.
func NewPublisher(brokers []string, logger *log.Logger, onStateChange func(name string, from, to circuit.State)) *Publisher {
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange:   onStateChange,
	}

	p := &Publisher{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]messageWriter),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DefaultConfig(),
	}
	p.newWriter = p.kafkaWriter
	return p
}

func (p *Publisher) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// writer gets or creates the producer for a topic.
func (p *Publisher) writer(topic string) messageWriter {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	p.logger.Info("created Kafka producer", "topic", topic)
	return w
}

func (p *Publisher) publish(ctx context.Context, topic, key string, data []byte) error {
	return p.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			msg := kafka.Message{Key: []byte(key), Value: data, Time: time.Now()}
			if err := p.writer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}
			p.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishJSON publishes v encoded as JSON.
func (p *Publisher) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal", "failed to marshal event").
			WithContext("topic", topic)
	}
	return p.publish(ctx, topic, key, data)
}

// PublishProto publishes a protobuf message.
func (p *Publisher) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return p.publish(ctx, topic, key, data)
}

// PublishShare sends a scored share to TopicShares, keyed by session so a
// session's shares stay ordered within a partition.
func (p *Publisher) PublishShare(ctx context.Context, share ShareMessage) error {
	return p.PublishJSON(ctx, TopicShares, share.SessionID, share)
}

// PublishSession sends a session lifecycle event to TopicSessions.
func (p *Publisher) PublishSession(ctx context.Context, event string, info SessionInfo) error {
	return p.PublishJSON(ctx, TopicSessions, info.SessionID, map[string]any{
		"event":   event,
		"session": info,
	})
}

// PublishBlock sends a solved block to TopicBlocks as a protobuf Struct.
func (p *Publisher) PublishBlock(ctx context.Context, block BlockFoundMessage) error {
	msg, err := BlockStruct(block)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "block_struct", "failed to build block event")
	}
	return p.PublishProto(ctx, TopicBlocks, block.BlockHash, msg)
}

// Name identifies the publisher in the block notification fan-out.
func (p *Publisher) Name() string { return "kafka" }

// NotifyBlockFound lets the publisher sit in the block notification fan-out.
func (p *Publisher) NotifyBlockFound(ctx context.Context, block BlockFoundMessage) error {
	return p.PublishBlock(ctx, block)
}

// BlockStruct converts a block event into a protobuf Struct.
func BlockStruct(b BlockFoundMessage) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"block_hash":         b.BlockHash,
		"block_height":       b.BlockHeight,
		"header":             b.Header,
		"session_id":         b.SessionID,
		"job_id":             b.JobID,
		"miner_address":      b.MinerAddress,
		"worker_name":        b.WorkerName,
		"share_difficulty":   b.ShareDifficulty,
		"network_difficulty": b.NetworkDifficulty,
		"accepted":           b.Accepted(),
		"result":             b.Result,
		"found_at":           b.FoundAt.UTC().Format(time.RFC3339Nano),
	})
}

// Close closes all producers.
func (p *Publisher) Close() error {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	var lastErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}
	p.writers = make(map[string]messageWriter)
	return lastErr
}
