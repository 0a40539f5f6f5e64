// Package bitcoin talks to the node: block templates and submissions over
// JSON-RPC, new-block pushes over ZMQ, and the Feed that turns both into
// stratum jobs.
package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/stratumpool/internal/job"
)

// nodeRPC is the subset of *rpcclient.Client the pool calls.
type nodeRPC interface {
	GetBlockTemplate(req *btcjson.TemplateRequest) (*btcjson.GetBlockTemplateResult, error)
	GetBestBlockHash() (*chainhash.Hash, error)
	SubmitBlock(block *btcutil.Block, options *btcjson.SubmitBlockOptions) error
	Shutdown()
}

// TemplateSource supplies block templates and the chain tip.
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetBestBlockHash(ctx context.Context) (string, error)
}

// JobStore turns templates into jobs. *job.Registry satisfies it.
type JobStore interface {
	HandleSignal(tpl *job.Template, sig job.Signal) (*job.Job, error)
}

// Broadcaster pushes a job to connected miners. *stratum.Server satisfies it.
type Broadcaster interface {
	Broadcast(j *job.Job) int
}

var (
	_ TemplateSource = (*RPCClient)(nil)
	_ JobStore       = (*job.Registry)(nil)
)
