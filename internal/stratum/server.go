package stratum

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/stratumpool/internal/job"
	"github.com/bardlex/stratumpool/internal/messaging"
	"github.com/bardlex/stratumpool/internal/metrics"
	"github.com/bardlex/stratumpool/pkg/errors"
	"github.com/bardlex/stratumpool/pkg/log"
)

const broadcastChunk = 256

// maxHandedJobs bounds the per-session record of jobs sent since the last
// clean notify.
const maxHandedJobs = job.DefaultCapacity

// Server accepts miner connections and fans jobs out to them.
type Server struct {
	config      Config
	jobs        JobSource
	submitter   BlockSubmitter
	directory   SessionDirectory
	notifier    BlockNotifier
	metrics     metrics.Recorder
	logger      *log.Logger
	extranonces *ExtranonceAllocator
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	listener net.Listener
	closed   bool

	framesMu sync.Mutex
	frames   notifyFrames

	conns sync.WaitGroup
	async sync.WaitGroup
}

// notifyFrames caches the encoded mining.notify lines of the latest job.
type notifyFrames struct {
	job     *job.Job
	clean   []byte
	refresh []byte
}

// NewServer creates a Server. Unset collaborators other than Jobs are
// replaced by no-ops.
func NewServer(config Config, deps Dependencies, logger *log.Logger) *Server {
	if deps.Submitter == nil {
		deps.Submitter = nopSubmitter{}
	}
	if deps.Directory == nil {
		deps.Directory = nopDirectory{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if config.OutboundQueue <= 0 {
		config.OutboundQueue = DefaultConfig().OutboundQueue
	}
	if config.BroadcastConcurrency <= 0 {
		config.BroadcastConcurrency = DefaultConfig().BroadcastConcurrency
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	if config.Network == nil {
		config.Network = DefaultConfig().Network
	}

	return &Server{
		config:      config,
		jobs:        deps.Jobs,
		submitter:   deps.Submitter,
		directory:   deps.Directory,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		logger:      logger.WithComponent("stratum"),
		extranonces: NewExtranonceAllocator(),
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
}

// Serve accepts connections on ln until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("stratum server listening", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		if err := ln.Close(); err != nil {
			s.logger.Debug("listener close", "error", err)
		}
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.WithError(err).Warn("accept failed, retrying", "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return errors.Wrap(err, errors.ErrorTypeNetwork, "accept", "listener failed")
		}
		backoff = 0

		if limit := s.config.MaxConnections; limit > 0 && s.SessionCount() >= limit {
			s.logger.Warn("connection limit reached, refusing", "remote_addr", conn.RemoteAddr().String(), "limit", limit)
			_ = conn.Close()
			continue
		}

		go func() {
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.WithError(err).Debug("session ended with error")
			}
		}()
	}
}

// ServeConn runs one session on conn and blocks until it ends.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	id, err := s.extranonces.Allocate()
	if err != nil {
		_ = conn.Close()
		return err
	}

	sess := newSession(id, conn, s)
	if !s.register(sess) {
		s.extranonces.Release(id)
		_ = conn.Close()
		return errors.New(errors.ErrorTypeNetwork, "serve_conn", "server is shutting down")
	}

	sess.logger.LogConnection("connected", sess.RemoteAddr())
	s.metrics.SessionOpened()
	s.directory.InsertSession(sess.info())

	err = sess.run(ctx)

	s.unregister(sess)
	s.extranonces.Release(id)
	s.directory.DeleteSession(id)
	s.metrics.SessionClosed()
	sess.logger.Info("connection event",
		"event", "disconnected",
		"lifetime", durafmt.Parse(s.now().Sub(sess.connectedAt)).LimitFirstN(2).String())
	s.conns.Done()
	return err
}

func (s *Server) register(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	s.conns.Add(1)
	return true
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Server) snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// notifyFrame returns the encoded mining.notify for j. Frames for the most
// recent job are encoded once and shared.
func (s *Server) notifyFrame(j *job.Job, clean bool) ([]byte, error) {
	s.framesMu.Lock()
	defer s.framesMu.Unlock()

	if s.frames.job != j {
		cleanFrame, err := EncodeNotification(MethodNotify, j.NotifyParams(true))
		if err != nil {
			return nil, err
		}
		refresh, err := EncodeNotification(MethodNotify, j.NotifyParams(false))
		if err != nil {
			return nil, err
		}
		s.frames = notifyFrames{job: j, clean: cleanFrame, refresh: refresh}
	}
	if clean {
		return s.frames.clean, nil
	}
	return s.frames.refresh, nil
}

// Broadcast sends j to every initialized session. The frame is encoded once.
func (s *Server) Broadcast(j *job.Job) int {
	if j == nil {
		return 0
	}
	frame, err := s.notifyFrame(j, j.CleanJobs)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode job broadcast", "job_id", j.ID)
		return 0
	}

	var targets []*Session
	for _, sess := range s.snapshot() {
		if sess.Initialized() {
			targets = append(targets, sess)
		}
	}

	var mu sync.Mutex
	sent := 0
	swg := sizedwaitgroup.New(s.config.BroadcastConcurrency)
	for start := 0; start < len(targets); start += broadcastChunk {
		chunk := targets[start:min(start+broadcastChunk, len(targets))]
		swg.Add()
		go func() {
			defer swg.Done()
			n := 0
			for _, sess := range chunk {
				if sess.deliver(j, frame, j.CleanJobs) {
					n++
				}
			}
			mu.Lock()
			sent += n
			mu.Unlock()
		}()
	}
	swg.Wait()

	s.logger.LogJobDistribution(j.ID, j.Height, j.CleanJobs, sent)
	s.metrics.JobBroadcast(j.CleanJobs, sent)
	return sent
}

// SweepIdle closes sessions whose last inbound message is older than the
// idle timeout and returns how many were closed.
func (s *Server) SweepIdle(now time.Time) int {
	if s.config.IdleTimeout <= 0 {
		return 0
	}
	closed := 0
	for _, sess := range s.snapshot() {
		idle := now.Sub(sess.LastActivity())
		if idle <= s.config.IdleTimeout {
			continue
		}
		sess.connLogger.Info("closing idle session", "idle", durafmt.Parse(idle).LimitFirstN(2).String())
		sess.Close()
		closed++
	}
	return closed
}

// Shutdown stops accepting, closes every session and waits for session
// goroutines and pending block submissions, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range s.snapshot() {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		s.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "shutdown", "sessions did not drain")
	}
}

// goAsync runs fn in the background; Shutdown waits for it.
func (s *Server) goAsync(fn func()) {
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		fn()
	}()
}

func (s *Server) reportBlock(ctx context.Context, found messaging.BlockFoundMessage) {
	s.metrics.BlockFound(found.BlockHeight, found.Accepted())
	s.notifier.NotifyBlockFound(ctx, found)
}
