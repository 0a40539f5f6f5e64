// Package database persists what the stratum server produces: the live
// session directory in Redis, shares, blocks and workers in PostgreSQL, and
// time series in InfluxDB. Every write goes through one bounded queue so
// session goroutines never wait on storage.
package database

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/stratumpool/internal/database/influx"
	"github.com/bardlex/stratumpool/internal/database/postgres"
	"github.com/bardlex/stratumpool/internal/database/redis"
	"github.com/bardlex/stratumpool/internal/messaging"
	"github.com/bardlex/stratumpool/internal/metrics"
	"github.com/bardlex/stratumpool/pkg/circuit"
	"github.com/bardlex/stratumpool/pkg/errors"
	"github.com/bardlex/stratumpool/pkg/log"
	"github.com/bardlex/stratumpool/pkg/retry"
)

// Sink names, used for breakers, drop metrics and logs.
const (
	SinkRedis    = "redis"
	SinkPostgres = "postgres"
	SinkInflux   = "influx"
	SinkKafka    = "kafka"
)

// Session lifecycle events published to the session topic.
const (
	EventConnected    = "connected"
	EventUpdated      = "updated"
	EventDisconnected = "disconnected"
)

type sessionStore interface {
	PutSession(ctx context.Context, info messaging.SessionInfo) error
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

type recordStore interface {
	CreateShare(ctx context.Context, share messaging.ShareMessage) error
	CreateBlock(ctx context.Context, block messaging.BlockFoundMessage) error
	UpsertWorker(ctx context.Context, info messaging.SessionInfo) error
	Close() error
}

type pointWriter interface {
	WriteShare(share messaging.ShareMessage)
	WriteBlock(block messaging.BlockFoundMessage)
	Flush()
	Close()
}

// EventPublisher forwards shares and session events to a broker.
type EventPublisher interface {
	PublishShare(ctx context.Context, share messaging.ShareMessage) error
	PublishSession(ctx context.Context, event string, info messaging.SessionInfo) error
}

// Config holds configuration for all database systems. A nil backend
// config disables that backend.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config

	QueueSize    int
	WriteTimeout time.Duration
}

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	sessions  sessionStore
	records   recordStore
	points    pointWriter
	publisher EventPublisher

	metrics      metrics.Recorder
	logger       *log.Logger
	breakers     map[string]*circuit.Breaker
	retryConfig  *retry.Config
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan op
	done   chan struct{}
}

type op struct {
	sink string
	name string
	fn   func(ctx context.Context) error
}

type pgStore struct {
	*postgres.Client
}

func (s pgStore) CreateShare(ctx context.Context, share messaging.ShareMessage) error {
	return s.Shares.CreateShare(ctx, share)
}

func (s pgStore) CreateBlock(ctx context.Context, block messaging.BlockFoundMessage) error {
	return s.Blocks.CreateBlock(ctx, block)
}

func (s pgStore) UpsertWorker(ctx context.Context, info messaging.SessionInfo) error {
	return s.Workers.UpsertWorker(ctx, info)
}

// NewManager connects every configured backend. publisher may be a nil
// interface when no broker is configured.
func NewManager(ctx context.Context, cfg *Config, publisher EventPublisher, recorder metrics.Recorder, logger *log.Logger) (*Manager, error) {
	var (
		sessions sessionStore
		records  recordStore
		points   pointWriter
		opened   []func()
	)
	cleanup := func() {
		for _, c := range opened {
			c()
		}
	}

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		records = pgStore{pg}
		opened = append(opened, func() { _ = pg.Close() })
	}

	if cfg.Redis != nil {
		rc, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			cleanup()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
				"failed to connect to Redis database")
		}
		sessions = rc
		opened = append(opened, func() { _ = rc.Close() })
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(ctx, cfg.Influx, logger.WithComponent("influx"))
		if err != nil {
			cleanup()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "influx_connection",
				"failed to connect to InfluxDB database")
		}
		points = ic
	}

	m := newManager(cfg.QueueSize, cfg.WriteTimeout, recorder, logger)
	m.sessions = sessions
	m.records = records
	m.points = points
	m.publisher = publisher
	m.start()
	return m, nil
}

func newManager(queueSize int, writeTimeout time.Duration, recorder metrics.Recorder, logger *log.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}

	m := &Manager{
		metrics:      recorder,
		logger:       logger.WithComponent("database"),
		breakers:     make(map[string]*circuit.Breaker),
		retryConfig:  retry.StorageConfig(),
		writeTimeout: writeTimeout,
		queue:        make(chan op, queueSize),
		done:         make(chan struct{}),
	}
	for _, sink := range []string{SinkRedis, SinkPostgres, SinkInflux, SinkKafka} {
		m.breakers[sink] = circuit.New(&circuit.Config{
			Name:            sink,
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(name string, _, to circuit.State) {
				recorder.BreakerStateChanged(name, to)
			},
		})
	}
	return m
}

func (m *Manager) start() {
	go m.run()
}

func (m *Manager) run() {
	defer close(m.done)
	for o := range m.queue {
		m.exec(o)
	}
}

func (m *Manager) exec(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()

	err := m.breakers[o.sink].Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := o.fn(ctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, o.name, "write failed").
					WithContext("sink", o.sink)
			}
			return nil
		})
	})
	if err != nil {
		m.logger.WithError(err).Warn("persistence write failed", "sink", o.sink, "operation", o.name)
	}
}

// enqueue hands o to the worker, dropping it when the queue is full or the
// manager is closed.
func (m *Manager) enqueue(sink, name string, fn func(ctx context.Context) error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- op{sink: sink, name: name, fn: fn}:
	default:
		m.metrics.QueueDropped(sink)
		m.logger.Warn("persistence queue full, dropping write", "sink", sink, "operation", name)
	}
}

// InsertSession records a new connection.
func (m *Manager) InsertSession(info messaging.SessionInfo) {
	if m.sessions != nil {
		m.enqueue(SinkRedis, "insert_session", func(ctx context.Context) error {
			return m.sessions.PutSession(ctx, info)
		})
	}
	m.publishSession(EventConnected, info)
}

// UpdateSession refreshes a session after initialization or a difficulty
// change. Authorized sessions also refresh their worker row.
func (m *Manager) UpdateSession(info messaging.SessionInfo) {
	if m.sessions != nil {
		m.enqueue(SinkRedis, "update_session", func(ctx context.Context) error {
			return m.sessions.PutSession(ctx, info)
		})
	}
	if m.records != nil && info.MinerAddress != "" {
		m.enqueue(SinkPostgres, "upsert_worker", func(ctx context.Context) error {
			return m.records.UpsertWorker(ctx, info)
		})
	}
	m.publishSession(EventUpdated, info)
}

// DeleteSession removes a closed connection.
func (m *Manager) DeleteSession(sessionID string) {
	if m.sessions != nil {
		m.enqueue(SinkRedis, "delete_session", func(ctx context.Context) error {
			return m.sessions.DeleteSession(ctx, sessionID)
		})
	}
	m.publishSession(EventDisconnected, messaging.SessionInfo{SessionID: sessionID})
}

func (m *Manager) publishSession(event string, info messaging.SessionInfo) {
	if m.publisher == nil {
		return
	}
	m.enqueue(SinkKafka, "publish_session", func(ctx context.Context) error {
		return m.publisher.PublishSession(ctx, event, info)
	})
}

// RecordShare persists one scored submission.
func (m *Manager) RecordShare(share messaging.ShareMessage) {
	if m.records != nil {
		m.enqueue(SinkPostgres, "record_share", func(ctx context.Context) error {
			return m.records.CreateShare(ctx, share)
		})
	}
	if m.points != nil {
		m.enqueue(SinkInflux, "share_point", func(context.Context) error {
			m.points.WriteShare(share)
			return nil
		})
	}
	if m.publisher != nil {
		m.enqueue(SinkKafka, "publish_share", func(ctx context.Context) error {
			return m.publisher.PublishShare(ctx, share)
		})
	}
}

// RecordBlock persists a solved block and the node's verdict.
func (m *Manager) RecordBlock(block messaging.BlockFoundMessage) {
	if m.records != nil {
		m.enqueue(SinkPostgres, "record_block", func(ctx context.Context) error {
			return m.records.CreateBlock(ctx, block)
		})
	}
	if m.points != nil {
		m.enqueue(SinkInflux, "block_point", func(context.Context) error {
			m.points.WriteBlock(block)
			return nil
		})
	}
}

// Name identifies the manager as a block notifier.
func (m *Manager) Name() string { return "database" }

// NotifyBlockFound queues the block for persistence.
func (m *Manager) NotifyBlockFound(_ context.Context, block messaging.BlockFoundMessage) error {
	m.RecordBlock(block)
	return nil
}

// Flush pushes buffered time-series points out.
func (m *Manager) Flush() {
	if m.points != nil {
		m.points.Flush()
	}
}

// Pending returns the number of queued writes.
func (m *Manager) Pending() int {
	return len(m.queue)
}

// Close stops accepting writes, drains the queue until ctx expires and
// closes every backend.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	var drainErr error
	select {
	case <-m.done:
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "close",
			"persistence queue not drained").WithContext("pending", len(m.queue))
	}

	if m.points != nil {
		m.points.Close()
	}
	if m.sessions != nil {
		_ = m.sessions.Close()
	}
	if m.records != nil {
		_ = m.records.Close()
	}
	return drainErr
}
