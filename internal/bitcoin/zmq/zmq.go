// Package zmq subscribes to bitcoind's ZMQ block notifications.
package zmq

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	zmq4 "github.com/pebbe/zmq4"

	"github.com/bardlex/stratumpool/pkg/log"
)

// TopicHashBlock is published by bitcoind whenever the tip changes.
const TopicHashBlock = "hashblock"

// pollInterval bounds how long Listen waits before rechecking ctx.
const pollInterval = 250 * time.Millisecond

// BlockEvent is one decoded hashblock notification.
type BlockEvent struct {
	Hash string
	// Sequence is bitcoind's per-topic counter; gaps mean dropped messages.
	Sequence    uint32
	HasSequence bool
}

// Subscriber receives hashblock notifications from one endpoint.
type Subscriber struct {
	socket   *zmq4.Socket
	endpoint string
	logger   *log.Logger
}

// NewSubscriber creates a SUB socket subscribed to hashblock and connected
// to endpoint.
func NewSubscriber(endpoint string, logger *log.Logger) (*Subscriber, error) {
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetSubscribe(TopicHashBlock); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", TopicHashBlock, err)
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", endpoint, err)
	}

	logger = logger.WithComponent("zmq")
	logger.Info("connected to ZMQ endpoint", "endpoint", endpoint, "topic", TopicHashBlock)
	return &Subscriber{socket: socket, endpoint: endpoint, logger: logger}, nil
}

// Listen delivers each block notification to onBlock until ctx ends.
// The socket is owned by the calling goroutine.
func (s *Subscriber) Listen(ctx context.Context, onBlock func(BlockEvent)) error {
	poller := zmq4.NewPoller()
	poller.Add(s.socket, zmq4.POLLIN)

	var (
		lastSeq uint32
		haveSeq bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.ETERM {
				return err
			}
			s.logger.WithError(err).Warn("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := s.socket.RecvMessageBytes(0)
		if err != nil {
			s.logger.WithError(err).Warn("failed to receive ZMQ message")
			continue
		}

		event, err := ParseMessage(msg)
		if err != nil {
			s.logger.WithError(err).Warn("malformed ZMQ message", "parts", len(msg))
			continue
		}
		if event.HasSequence {
			if haveSeq && event.Sequence != lastSeq+1 {
				s.logger.Warn("ZMQ notifications lost", "expected", lastSeq+1, "got", event.Sequence)
			}
			lastSeq, haveSeq = event.Sequence, true
		}

		s.logger.Info("new block notification", "hash", event.Hash, "sequence", event.Sequence)
		onBlock(event)
	}
}

// Close closes the ZMQ socket
func (s *Subscriber) Close() error {
	return s.socket.Close()
}

// ParseMessage decodes a multipart hashblock message: topic, 32-byte hash
// already in display order, and an optional little-endian sequence.
func ParseMessage(parts [][]byte) (BlockEvent, error) {
	if len(parts) < 2 {
		return BlockEvent{}, fmt.Errorf("expected at least 2 parts, got %d", len(parts))
	}
	if topic := string(parts[0]); topic != TopicHashBlock {
		return BlockEvent{}, fmt.Errorf("unexpected topic %q", topic)
	}
	if len(parts[1]) != 32 {
		return BlockEvent{}, fmt.Errorf("invalid block hash length: %d", len(parts[1]))
	}

	event := BlockEvent{Hash: hex.EncodeToString(parts[1])}
	if len(parts) >= 3 && len(parts[2]) == 4 {
		event.Sequence = binary.LittleEndian.Uint32(parts[2])
		event.HasSequence = true
	}
	return event, nil
}
