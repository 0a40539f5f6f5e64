package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bardlex/stratumpool/internal/messaging"
)

// Block status values stored in blocks.status.
const (
	BlockAccepted = "accepted"
	BlockRejected = "rejected"
)

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db *sql.DB
}

// CreateShare inserts one scored submission. Replays of the same share ID
// are ignored.
func (r *ShareRepository) CreateShare(ctx context.Context, share messaging.ShareMessage) error {
	query := `
		INSERT INTO shares (share_id, session_id, job_id, miner_address, worker_name, block_height,
		                    difficulty, share_difficulty, hash, extra_nonce2, ntime, nonce,
		                    version_mask, accepted, reason, remote_addr, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (share_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		share.ShareID, share.SessionID, share.JobID, share.MinerAddress, share.WorkerName,
		share.BlockHeight, share.Difficulty, share.ShareDifficulty, share.Hash,
		share.ExtraNonce2, share.Ntime, share.Nonce, share.VersionMask,
		share.Accepted, share.Reason, share.RemoteAddr, share.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// BlockRepository handles block-related database operations
type BlockRepository struct {
	db *sql.DB
}

// BlockStatus maps the node's verdict to blocks.status.
func BlockStatus(block messaging.BlockFoundMessage) string {
	if block.Accepted() {
		return BlockAccepted
	}
	return BlockRejected
}

// CreateBlock records a solved block. A later verdict for the same hash
// overwrites the earlier one.
func (r *BlockRepository) CreateBlock(ctx context.Context, block messaging.BlockFoundMessage) error {
	query := `
		INSERT INTO blocks (hash, height, header, session_id, job_id, miner_address, worker_name,
		                    share_difficulty, network_difficulty, status, result, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (hash) DO UPDATE SET status = EXCLUDED.status, result = EXCLUDED.result`

	_, err := r.db.ExecContext(ctx, query,
		block.BlockHash, block.BlockHeight, block.Header, block.SessionID, block.JobID,
		block.MinerAddress, block.WorkerName, block.ShareDifficulty, block.NetworkDifficulty,
		BlockStatus(block), block.Result, block.FoundAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	return nil
}

// WorkerRepository handles worker-related database operations
type WorkerRepository struct {
	db *sql.DB
}

// UpsertWorker records an authorized worker and its current difficulty.
func (r *WorkerRepository) UpsertWorker(ctx context.Context, info messaging.SessionInfo) error {
	query := `
		INSERT INTO workers (miner_address, worker_name, difficulty, user_agent, remote_addr,
		                     first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (miner_address, worker_name) DO UPDATE SET
			difficulty = EXCLUDED.difficulty,
			user_agent = EXCLUDED.user_agent,
			remote_addr = EXCLUDED.remote_addr,
			last_seen_at = EXCLUDED.last_seen_at`

	_, err := r.db.ExecContext(ctx, query,
		info.MinerAddress, info.WorkerName, info.Difficulty, info.UserAgent,
		info.RemoteAddr, info.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}
	return nil
}
