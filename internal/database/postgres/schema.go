package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shares (
		share_id           UUID PRIMARY KEY,
		session_id         TEXT NOT NULL,
		job_id             TEXT NOT NULL,
		miner_address      TEXT NOT NULL,
		worker_name        TEXT NOT NULL,
		block_height       BIGINT NOT NULL,
		difficulty         DOUBLE PRECISION NOT NULL,
		share_difficulty   DOUBLE PRECISION NOT NULL,
		hash               TEXT NOT NULL,
		extra_nonce2       TEXT NOT NULL,
		ntime              TEXT NOT NULL,
		nonce              TEXT NOT NULL,
		version_mask       TEXT NOT NULL,
		accepted           BOOLEAN NOT NULL,
		reason             TEXT NOT NULL,
		remote_addr        TEXT NOT NULL,
		submitted_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS shares_miner_idx ON shares (miner_address, submitted_at)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		hash               TEXT PRIMARY KEY,
		height             BIGINT NOT NULL,
		header             TEXT NOT NULL,
		session_id         TEXT NOT NULL,
		job_id             TEXT NOT NULL,
		miner_address      TEXT NOT NULL,
		worker_name        TEXT NOT NULL,
		share_difficulty   DOUBLE PRECISION NOT NULL,
		network_difficulty DOUBLE PRECISION NOT NULL,
		status             TEXT NOT NULL,
		result             TEXT NOT NULL,
		found_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		miner_address      TEXT NOT NULL,
		worker_name        TEXT NOT NULL,
		difficulty         DOUBLE PRECISION NOT NULL,
		user_agent         TEXT NOT NULL,
		remote_addr        TEXT NOT NULL,
		first_seen_at      TIMESTAMPTZ NOT NULL,
		last_seen_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (miner_address, worker_name)
	)`,
}
