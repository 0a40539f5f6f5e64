package bitcoin

import (
	"context"
	"time"

	"github.com/hako/durafmt"

	"github.com/bardlex/stratumpool/internal/job"
	"github.com/bardlex/stratumpool/pkg/errors"
	"github.com/bardlex/stratumpool/pkg/log"
)

// FeedConfig tunes template polling.
type FeedConfig struct {
	// RefreshInterval is the period of the template refresh timer.
	RefreshInterval time.Duration
	// TipPollInterval polls getbestblockhash between refreshes. Zero
	// disables it, leaving ZMQ and the refresh timer.
	TipPollInterval time.Duration
	// FetchTimeout bounds one template fetch including retries.
	FetchTimeout time.Duration
}

// DefaultFeedConfig returns the production polling cadence.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		RefreshInterval: 60 * time.Second,
		TipPollInterval: 5 * time.Second,
		FetchTimeout:    10 * time.Second,
	}
}

// Feed keeps the job registry supplied with templates and broadcasts every
// job it produces. It runs on one goroutine; NotifyNewBlock may be called
// from any other.
type Feed struct {
	source      TemplateSource
	jobs        JobStore
	broadcaster Broadcaster
	config      FeedConfig
	logger      *log.Logger

	blocks chan string

	// owned by Run
	tick     uint64
	lastPrev string
	started  time.Time
}

// NewFeed creates a Feed. Zero config fields take DefaultFeedConfig values,
// except TipPollInterval which stays disabled.
func NewFeed(source TemplateSource, jobs JobStore, broadcaster Broadcaster, config FeedConfig, logger *log.Logger) *Feed {
	defaults := DefaultFeedConfig()
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	return &Feed{
		source:      source,
		jobs:        jobs,
		broadcaster: broadcaster,
		config:      config,
		logger:      logger.WithComponent("template_feed"),
		blocks:      make(chan string, 1),
	}
}

// NotifyNewBlock requests an immediate refresh as a new block. Pushes that
// arrive while one is pending collapse into it.
func (f *Feed) NotifyNewBlock(hash string) {
	select {
	case f.blocks <- hash:
	default:
	}
}

// Run fetches the first template, then refreshes on every timer firing,
// block push and tip change until ctx ends. Failing to build the first job
// is fatal; later failures are logged and the current job stays live.
func (f *Feed) Run(ctx context.Context) error {
	f.started = time.Now()
	if _, err := f.refresh(ctx, job.Signal{Tick: f.tick}); err != nil {
		f.logger.WithError(err).Error("failed to create initial job")
		return err
	}

	refresh := time.NewTicker(f.config.RefreshInterval)
	defer refresh.Stop()

	var tipC <-chan time.Time
	if f.config.TipPollInterval > 0 {
		tip := time.NewTicker(f.config.TipPollInterval)
		defer tip.Stop()
		tipC = tip.C
	}

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("template feed stopped",
				"uptime", durafmt.Parse(time.Since(f.started)).LimitFirstN(2).String())
			return ctx.Err()
		case <-refresh.C:
			// ticks only grow, so the registry's repeated-tick heuristic
			// never fires for this feed; pushes and tip polls carry new blocks
			f.tick++
			if _, err := f.refresh(ctx, job.Signal{Tick: f.tick}); err != nil {
				f.logger.WithError(err).Warn("template refresh failed", "tick", f.tick)
			}
		case hash := <-f.blocks:
			f.logger.Info("new block pushed", "hash", hash)
			if _, err := f.refresh(ctx, job.Signal{Tick: f.tick, NewBlock: true}); err != nil {
				f.logger.WithError(err).Warn("template refresh after block push failed", "hash", hash)
			}
		case <-tipC:
			if err := f.pollTip(ctx); err != nil {
				f.logger.WithError(err).Warn("tip poll failed")
			}
		}
	}
}

// pollTip refreshes as a new block when the node's tip is no longer the
// parent of the current template.
func (f *Feed) pollTip(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, f.config.FetchTimeout)
	defer cancel()

	tip, err := f.source.GetBestBlockHash(pctx)
	if err != nil {
		return err
	}
	if f.lastPrev == "" || tip == f.lastPrev {
		return nil
	}

	f.logger.Info("new block detected", "old_prev_hash", f.lastPrev, "new_prev_hash", tip)
	_, err = f.refresh(ctx, job.Signal{Tick: f.tick, NewBlock: true})
	return err
}

// refresh fetches one template and feeds it to the registry. The fetch
// holds no lock; the registry serializes its own writes.
func (f *Feed) refresh(ctx context.Context, sig job.Signal) (*job.Job, error) {
	fctx, cancel := context.WithTimeout(ctx, f.config.FetchTimeout)
	res, err := f.source.GetBlockTemplate(fctx)
	cancel()
	if err != nil {
		return nil, err
	}

	tpl, err := job.FromBlockTemplateResult(res)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "decode_template",
			"node returned an unusable block template").
			WithContext("height", res.Height)
	}

	if f.lastPrev != "" && res.PreviousHash != f.lastPrev {
		sig.NewBlock = true
	}
	f.lastPrev = res.PreviousHash

	j, err := f.jobs.HandleSignal(tpl, sig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_job",
			"failed to build job from template").
			WithContext("height", res.Height)
	}
	if j == nil {
		return nil, nil
	}

	sent := f.broadcaster.Broadcast(j)
	f.logger.Debug("job published", "job_id", j.ID, "height", j.Height,
		"clean_jobs", j.CleanJobs, "tick", sig.Tick, "new_block", sig.NewBlock, "sessions", sent)
	return j, nil
}
