// Package influx writes share and block time series to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/stratumpool/internal/messaging"
	"github.com/bardlex/stratumpool/pkg/log"
)

// Measurement names
const (
	MeasurementShare = "share"
	MeasurementBlock = "block"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient connects, checks health and starts a non-blocking writer whose
// asynchronous errors go to logger.
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(healthCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.WithError(err).Warn("influx write failed")
		}
	}()

	return &Client{client: client, writeAPI: writeAPI}, nil
}

// Close flushes pending points and closes the connection.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShare queues a share point. It never blocks on the network.
func (c *Client) WriteShare(share messaging.ShareMessage) {
	c.writeAPI.WritePoint(SharePoint(share))
}

// WriteBlock queues a block point.
func (c *Client) WriteBlock(block messaging.BlockFoundMessage) {
	c.writeAPI.WritePoint(BlockPoint(block))
}

// SharePoint is the point written for one scored submission. Rejected shares
// carry their reason as a tag so rejection rates can be grouped.
func SharePoint(share messaging.ShareMessage) *write.Point {
	tags := map[string]string{
		"miner":    share.MinerAddress,
		"worker":   share.WorkerName,
		"accepted": strconv.FormatBool(share.Accepted),
	}
	if share.Reason != "" {
		tags["reason"] = share.Reason
	}

	fields := map[string]any{
		"difficulty":       share.Difficulty,
		"share_difficulty": share.ShareDifficulty,
		"height":           share.BlockHeight,
		"count":            1,
	}

	return write.NewPoint(MeasurementShare, tags, fields, share.SubmittedAt)
}

// BlockPoint is the point written for a solved block.
func BlockPoint(block messaging.BlockFoundMessage) *write.Point {
	tags := map[string]string{
		"miner":    block.MinerAddress,
		"worker":   block.WorkerName,
		"accepted": strconv.FormatBool(block.Accepted()),
	}

	fields := map[string]any{
		"height":             block.BlockHeight,
		"hash":               block.BlockHash,
		"share_difficulty":   block.ShareDifficulty,
		"network_difficulty": block.NetworkDifficulty,
		"count":              1,
	}

	return write.NewPoint(MeasurementBlock, tags, fields, block.FoundAt)
}
