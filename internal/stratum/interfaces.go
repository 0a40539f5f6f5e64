package stratum

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/stratumpool/internal/job"
	"github.com/bardlex/stratumpool/internal/messaging"
	"github.com/bardlex/stratumpool/internal/metrics"
	"github.com/bardlex/stratumpool/internal/vardiff"
)

// JobSource resolves jobs for notify and submit. *job.Registry satisfies it.
type JobSource interface {
	Current() *job.Job
	GetByJobID(id string) (*job.Job, bool)
}

// BlockSubmitter forwards a solved block to the node.
type BlockSubmitter interface {
	SubmitBlock(ctx context.Context, blockHex string) error
}

// SessionDirectory is the best-effort record of live sessions and shares.
// Implementations must not block.
type SessionDirectory interface {
	InsertSession(info messaging.SessionInfo)
	UpdateSession(info messaging.SessionInfo)
	DeleteSession(sessionID string)
	RecordShare(share messaging.ShareMessage)
}

// BlockNotifier announces solved blocks. Fire-and-forget.
type BlockNotifier interface {
	NotifyBlockFound(ctx context.Context, block messaging.BlockFoundMessage)
}

// Dependencies are the collaborators a Server calls. Only Jobs is required.
type Dependencies struct {
	Jobs      JobSource
	Submitter BlockSubmitter
	Directory SessionDirectory
	Notifier  BlockNotifier
	Metrics   metrics.Recorder
}

// Config holds server settings.
type Config struct {
	Network *chaincfg.Params

	DefaultDifficulty float64
	MinDifficulty     float64
	MaxDifficulty     float64
	Vardiff           vardiff.Config
	RetargetInterval  time.Duration

	// HandshakeGrace initializes a subscribed and authorized session that
	// never sent configure or suggest_difficulty. Zero disables it.
	HandshakeGrace time.Duration
	IdleTimeout    time.Duration
	StaleAfter     time.Duration
	WriteTimeout   time.Duration
	SubmitTimeout  time.Duration

	MaxConnections       int
	OutboundQueue        int
	BroadcastConcurrency int
}

// DefaultConfig returns mainnet settings.
func DefaultConfig() Config {
	return Config{
		Network:              &chaincfg.MainNetParams,
		DefaultDifficulty:    1,
		MinDifficulty:        vardiff.MinimumDifficulty,
		MaxDifficulty:        1 << 40,
		Vardiff:              vardiff.Config{Window: vardiff.DefaultWindow, TargetInterval: vardiff.DefaultTargetInterval, StallAfter: vardiff.DefaultStallAfter},
		RetargetInterval:     60 * time.Second,
		IdleTimeout:          5 * time.Minute,
		StaleAfter:           10 * time.Minute,
		WriteTimeout:         10 * time.Second,
		SubmitTimeout:        30 * time.Second,
		OutboundQueue:        64,
		BroadcastConcurrency: 64,
	}
}

func (c Config) clamp(d float64) float64 {
	if c.MinDifficulty > 0 && d < c.MinDifficulty {
		return c.MinDifficulty
	}
	if c.MaxDifficulty > 0 && d > c.MaxDifficulty {
		return c.MaxDifficulty
	}
	return d
}

type nopDirectory struct{}

func (nopDirectory) InsertSession(messaging.SessionInfo) {}
func (nopDirectory) UpdateSession(messaging.SessionInfo) {}
func (nopDirectory) DeleteSession(string)                {}
func (nopDirectory) RecordShare(messaging.ShareMessage)  {}

type nopNotifier struct{}

func (nopNotifier) NotifyBlockFound(context.Context, messaging.BlockFoundMessage) {}

type nopSubmitter struct{}

func (nopSubmitter) SubmitBlock(context.Context, string) error { return nil }
