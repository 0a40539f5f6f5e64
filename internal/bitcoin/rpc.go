package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/stratumpool/pkg/circuit"
	"github.com/bardlex/stratumpool/pkg/errors"
	"github.com/bardlex/stratumpool/pkg/retry"
)

// RPCConfig holds the node's JSON-RPC endpoint.
type RPCConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// RPCClient wraps btcd's RPC client with a circuit breaker and retries.
// The node answers getblocktemplate and submitblock; everything else the
// pool needs it computes itself.
type RPCClient struct {
	client         nodeRPC
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	submitConfig   *retry.Config
}

// NewRPCClient creates a client in HTTP POST mode. No connection is made
// until the first call. onStateChange, when non-nil, observes the breaker.
func NewRPCClient(cfg RPCConfig, onStateChange func(name string, from, to circuit.State)) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	return newRPCClient(client, onStateChange), nil
}

func newRPCClient(client nodeRPC, onStateChange func(name string, from, to circuit.State)) *RPCClient {
	cbConfig := circuit.NodeConfig()
	cbConfig.OnStateChange = onStateChange
	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.RPCConfig(),
		submitConfig:   retry.SubmitConfig(),
	}
}

// Close shuts down the RPC client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate requests a segwit template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:  "template",
				Rules: []string{"segwit"},
			}

			template, err := await(ctx, func() (*btcjson.GetBlockTemplateResult, error) {
				return c.client.GetBlockTemplate(req)
			})
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_template",
					"failed to retrieve block template from Bitcoin Core")
			}
			return template, nil
		})
	})
}

// GetBestBlockHash returns the tip hash in display order.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
			hash, err := await(ctx, c.client.GetBestBlockHash)
			if err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeBitcoin, "get_best_block_hash",
					"failed to retrieve best block hash")
			}
			return hash.String(), nil
		})
	})
}

// SubmitBlock decodes blockHex and hands it to the node. A rejection
// reason from the node ("duplicate", "inconclusive", "bad-...") comes back
// as the error message and is not retried.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	block, err := DecodeBlock(blockHex)
	if err != nil {
		return err
	}

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.submitConfig, func() error {
			_, err := await(ctx, func() (struct{}, error) {
				return struct{}{}, c.client.SubmitBlock(btcutil.NewBlock(block), nil)
			})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeBitcoin, "submit_block",
					"failed to submit block to Bitcoin Core").
					WithContext("block_hash", block.BlockHash().String())
			}
			return nil
		})
	})
}

// await runs a blocking node call and stops waiting when ctx ends. The
// HTTP POST client retries refused connections internally and takes no
// context, so without this a dead node stalls the caller for its whole
// internal backoff.
func await[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// DecodeBlock parses a hex-encoded serialized block.
func DecodeBlock(blockHex string) (*wire.MsgBlock, error) {
	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "block_validation",
			"invalid block hex encoding").
			WithContext("block_hex_length", len(blockHex))
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "block_deserialization",
			"failed to deserialize block data").
			WithContext("block_size", len(raw))
	}
	return block, nil
}
