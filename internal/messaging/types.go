package messaging

import "time"

// SessionInfo is the directory record for one stratum connection. The
// session ID is the connection's extranonce1.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	RemoteAddr   string    `json:"remote_addr"`
	UserAgent    string    `json:"user_agent,omitempty"`
	MinerAddress string    `json:"miner_address,omitempty"`
	WorkerName   string    `json:"worker_name,omitempty"`
	Difficulty   float64   `json:"difficulty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ShareMessage is one scored mining.submit, accepted or not.
type ShareMessage struct {
	ShareID         string    `json:"share_id"`
	SessionID       string    `json:"session_id"`
	JobID           string    `json:"job_id"`
	TemplateID      string    `json:"template_id,omitempty"`
	MinerAddress    string    `json:"miner_address"`
	WorkerName      string    `json:"worker_name"`
	ExtraNonce2     string    `json:"extra_nonce2"`
	Ntime           string    `json:"ntime"`
	Nonce           string    `json:"nonce"`
	VersionMask     string    `json:"version_mask,omitempty"`
	Difficulty      float64   `json:"difficulty"`
	ShareDifficulty float64   `json:"share_difficulty"`
	Hash            string    `json:"hash,omitempty"`
	BlockHeight     int64     `json:"block_height"`
	Accepted        bool      `json:"accepted"`
	Reason          string    `json:"reason,omitempty"`
	RemoteAddr      string    `json:"remote_addr"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// BlockFoundMessage describes a share that cleared network difficulty and
// the node's verdict on it. Result is empty when the node accepted it.
type BlockFoundMessage struct {
	BlockHash         string    `json:"block_hash"`
	BlockHeight       int64     `json:"block_height"`
	Header            string    `json:"header"`
	SessionID         string    `json:"session_id"`
	JobID             string    `json:"job_id"`
	MinerAddress      string    `json:"miner_address"`
	WorkerName        string    `json:"worker_name"`
	ShareDifficulty   float64   `json:"share_difficulty"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	Result            string    `json:"result,omitempty"`
	FoundAt           time.Time `json:"found_at"`
}

// Accepted reports whether the node took the block.
func (b BlockFoundMessage) Accepted() bool {
	return b.Result == ""
}
