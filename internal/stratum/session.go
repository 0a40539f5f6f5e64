package stratum

import (
	"bufio"
	"context"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/stratumpool/internal/job"
	"github.com/bardlex/stratumpool/internal/messaging"
	"github.com/bardlex/stratumpool/internal/vardiff"
	"github.com/bardlex/stratumpool/pkg/errors"
	"github.com/bardlex/stratumpool/pkg/log"
)

// Session is one miner connection. Handshake state, difficulty, the vardiff
// window and the duplicate set are owned by the goroutine running the
// session; only the fields marked below are touched from outside.
type Session struct {
	id          string
	extranonce1 []byte
	conn        net.Conn
	server      *Server
	logger      *log.Logger
	connectedAt time.Time

	// connLogger never changes; goroutines other than the session's use it.
	connLogger *log.Logger

	// shared with the server
	outbound     chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64
	initialized  atomic.Bool

	// notifyMu orders mining.notify deliveries from the session and from
	// broadcasts. handed holds the jobs sent since the last clean notify.
	notifyMu sync.Mutex
	lastSeq  uint64
	handed   []*job.Job

	userAgent    string
	subscribed   bool
	configured   bool
	authorized   bool
	suggested    bool
	closing      bool
	minerAddress string
	workerName   string
	versionMask  uint32

	difficulty     float64
	sentDifficulty float64
	vardiff        *vardiff.Controller
	duplicates     *duplicateSet

	retarget   *time.Ticker
	graceTimer *time.Timer
}

func newSession(id string, conn net.Conn, server *Server) *Session {
	raw, _ := hex.DecodeString(id)
	now := server.now()
	logger := server.logger.WithSession(id, conn.RemoteAddr().String())
	s := &Session{
		id:          id,
		extranonce1: raw,
		conn:        conn,
		server:      server,
		logger:      logger,
		connLogger:  logger,
		connectedAt: now,
		outbound:    make(chan []byte, server.config.OutboundQueue),
		done:        make(chan struct{}),
		difficulty:  server.config.clamp(server.config.DefaultDifficulty),
		vardiff:     vardiff.New(server.config.Vardiff, now),
		duplicates:  newDuplicateSet(),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// ID returns the session identifier, which is also its extranonce1.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Initialized reports whether the handshake has completed.
func (s *Session) Initialized() bool {
	return s.initialized.Load()
}

// LastActivity is the receipt time of the last inbound message.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.connLogger.Debug("close connection", "error", err)
		}
	})
}

// run processes the connection until it closes. Every state change
// happens on this goroutine.
func (s *Session) run(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(lines, readErr)
	go s.writeLoop()
	defer s.stopTimers()

	for {
		var tick, grace <-chan time.Time
		if s.retarget != nil {
			tick = s.retarget.C
		}
		if s.graceTimer != nil {
			grace = s.graceTimer.C
		}

		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.done:
			return nil
		case err := <-readErr:
			s.Close()
			return err
		case line := <-lines:
			if err := s.handleLine(ctx, line); err != nil {
				s.Close()
				return err
			}
		case <-tick:
			s.onRetarget()
		case <-grace:
			s.graceTimer = nil
			s.onHandshakeGrace()
		}
	}
}

// readLoop splits the stream into lines. There is no read deadline: idle
// connections are reaped by the server's sweep.
func (s *Session) readLoop(lines chan<- []byte, readErr chan<- error) {
	buf := getLineBuffer()
	defer putLineBuffer(buf)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(*buf, maxLineLength)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		select {
		case lines <- line:
		case <-s.done:
			return
		}
	}

	var err error
	if scanErr := scanner.Err(); scanErr != nil {
		select {
		case <-s.done:
		default:
			err = errors.Wrap(scanErr, errors.ErrorTypeNetwork, "read", "connection read failed")
		}
	}
	readErr <- err
}

// writeLoop drains the outbound queue. A nil frame closes the connection
// once everything queued before it has been written.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.outbound:
			if frame == nil {
				s.Close()
				return
			}
			if s.server.config.WriteTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.server.config.WriteTimeout)); err != nil {
					s.connLogger.WithError(err).Debug("failed to set write deadline")
				}
			}
			if _, err := s.conn.Write(frame); err != nil {
				s.connLogger.WithError(err).Debug("failed to write message")
				s.Close()
				return
			}
			s.connLogger.LogStratumMessage("sent", string(frame[:len(frame)-1]))
		}
	}
}

// enqueue queues a frame without blocking. A session that cannot keep up
// is disconnected.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.connLogger.Warn("outbound queue full, disconnecting slow session")
		s.Close()
		return false
	}
}

// closeAfterFlush closes the connection after frames already queued.
func (s *Session) closeAfterFlush() {
	s.closing = true
	select {
	case s.outbound <- nil:
	default:
		s.Close()
	}
}

func (s *Session) send(v any) {
	frame, err := encodeLine(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode message")
		return
	}
	s.enqueue(frame)
}

func (s *Session) reply(id any, result any) {
	s.send(Response{ID: id, Result: result, Error: nil})
}

func (s *Session) replyError(id any, err error) {
	s.send(Response{ID: id, Result: false, Error: stratumError(errorCode(err), errorMessage(err))})
}

func (s *Session) sendDifficulty(d float64) {
	frame, err := EncodeNotification(MethodSetDifficulty, []any{d})
	if err != nil {
		s.logger.WithError(err).Error("failed to encode set_difficulty")
		return
	}
	if s.enqueue(frame) {
		s.sentDifficulty = d
	}
}

func (s *Session) notify(j *job.Job, clean bool) {
	if j == nil {
		return
	}
	frame, err := s.server.notifyFrame(j, clean)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode notify")
		return
	}
	s.deliver(j, frame, clean)
}

// deliver queues a mining.notify frame for j unless a newer job has already
// been sent, so a clean broadcast is never followed by the job it replaced.
func (s *Session) deliver(j *job.Job, frame []byte, clean bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if j.Seq < s.lastSeq {
		return false
	}
	if !s.enqueue(frame) {
		return false
	}
	s.lastSeq = j.Seq

	if clean {
		s.handed = nil
	}
	if n := len(s.handed); n == 0 || s.handed[n-1] != j {
		s.handed = append(s.handed, j)
		if len(s.handed) > maxHandedJobs {
			s.handed = append([]*job.Job(nil), s.handed[len(s.handed)-maxHandedJobs:]...)
		}
	}
	return true
}

// handedJob resolves a job this session was sent and whose clean
// replacement it has not been sent yet.
func (s *Session) handedJob(id string) (*job.Job, bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for i := len(s.handed) - 1; i >= 0; i-- {
		if s.handed[i].ID == id {
			return s.handed[i], true
		}
	}
	return nil, false
}

// lookupJob resolves a submitted job id against the registry, then against
// the jobs still handed to this session.
func (s *Session) lookupJob(id string) (*job.Job, bool) {
	if j, ok := s.server.jobs.GetByJobID(id); ok {
		return j, true
	}
	return s.handedJob(id)
}

// maybeInitialize completes the handshake once all four parts arrived.
func (s *Session) maybeInitialize() {
	if s.initialized.Load() {
		return
	}
	if s.subscribed && s.authorized && s.configured && s.suggested {
		s.initialize()
		return
	}
	if s.subscribed && s.authorized && s.graceTimer == nil && s.server.config.HandshakeGrace > 0 {
		s.graceTimer = time.NewTimer(s.server.config.HandshakeGrace)
	}
}

func (s *Session) onHandshakeGrace() {
	if s.initialized.Load() || s.closing || !s.subscribed || !s.authorized {
		return
	}
	if !s.configured {
		s.configured = true
		s.versionMask = VersionRollingMask
	}
	s.suggested = true
	s.logger.Info("handshake grace elapsed, initializing with defaults", "difficulty", s.difficulty)
	s.initialize()
}

func (s *Session) initialize() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.sentDifficulty != s.difficulty {
		s.sendDifficulty(s.difficulty)
	}
	s.initialized.Store(true)

	// read after the flag flips so a concurrent broadcast is never missed;
	// deliver drops this job if the broadcast already sent a newer one
	s.notify(s.server.jobs.Current(), true)

	if s.server.config.RetargetInterval > 0 {
		s.retarget = time.NewTicker(s.server.config.RetargetInterval)
	}
	s.logger.Info("session initialized",
		"miner_address", s.minerAddress, "worker_name", s.workerName, "difficulty", s.difficulty)
	s.server.directory.UpdateSession(s.info())
}

// onRetarget runs vardiff and re-sends the current job without clearing.
func (s *Session) onRetarget() {
	now := s.server.now()
	if next, ok := s.vardiff.Suggest(s.difficulty, now); ok {
		next = s.server.config.clamp(next)
		if next != s.difficulty {
			s.logger.LogDifficultyChange(s.difficulty, next, "vardiff")
			s.difficulty = next
			s.sendDifficulty(next)
			s.server.metrics.DifficultyChanged()
			s.server.directory.UpdateSession(s.info())
		}
	}

	s.duplicates.prune(func(id string) bool {
		_, ok := s.lookupJob(id)
		return ok
	})
	s.notify(s.server.jobs.Current(), false)
}

func (s *Session) stopTimers() {
	if s.retarget != nil {
		s.retarget.Stop()
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
}

func (s *Session) info() messaging.SessionInfo {
	return messaging.SessionInfo{
		SessionID:    s.id,
		RemoteAddr:   s.RemoteAddr(),
		UserAgent:    s.userAgent,
		MinerAddress: s.minerAddress,
		WorkerName:   s.workerName,
		Difficulty:   s.difficulty,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.LastActivity(),
	}
}
