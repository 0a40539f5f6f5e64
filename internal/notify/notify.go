// Package notify announces solved blocks to operators.
package notify

import (
	"context"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/stratumpool/internal/messaging"
	"github.com/bardlex/stratumpool/pkg/log"
)

// Notifier delivers a block-found event to one destination.
type Notifier interface {
	Name() string
	NotifyBlockFound(ctx context.Context, block messaging.BlockFoundMessage) error
}

// Fanout sends every event to all notifiers concurrently. Failures are
// logged and never reach the caller.
type Fanout struct {
	notifiers   []Notifier
	logger      *log.Logger
	timeout     time.Duration
	concurrency int
}

// NewFanout creates a Fanout giving each notifier timeout to finish.
func NewFanout(logger *log.Logger, timeout time.Duration, notifiers ...Notifier) *Fanout {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fanout{
		notifiers:   notifiers,
		logger:      logger.WithComponent("notify"),
		timeout:     timeout,
		concurrency: 4,
	}
}

// Add registers another notifier. Not safe for use after the first event.
func (f *Fanout) Add(n Notifier) {
	f.notifiers = append(f.notifiers, n)
}

// NotifyBlockFound dispatches block and waits for every notifier.
func (f *Fanout) NotifyBlockFound(ctx context.Context, block messaging.BlockFoundMessage) {
	swg := sizedwaitgroup.New(f.concurrency)
	for _, n := range f.notifiers {
		swg.Add()
		go func() {
			defer swg.Done()
			nctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			if err := n.NotifyBlockFound(nctx, block); err != nil {
				f.logger.WithError(err).Warn("block notification failed",
					"notifier", n.Name(), "block_hash", block.BlockHash)
			}
		}()
	}
	swg.Wait()
}

// Log writes block events to the structured log.
type Log struct {
	logger *log.Logger
}

// NewLog creates a Log notifier.
func NewLog(logger *log.Logger) *Log {
	return &Log{logger: logger.WithComponent("block_log")}
}

func (l *Log) Name() string { return "log" }

func (l *Log) NotifyBlockFound(_ context.Context, b messaging.BlockFoundMessage) error {
	l.logger.LogBlockFound(b.BlockHash, b.BlockHeight, b.MinerAddress, b.WorkerName, b.ShareDifficulty)
	if !b.Accepted() {
		l.logger.Warn("node rejected block", "block_hash", b.BlockHash, "result", b.Result)
	}
	return nil
}
