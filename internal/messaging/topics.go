package messaging

// Topic constants for the pool's event stream
const (
	TopicShares   = "pool.shares"   // every scored submission, JSON
	TopicBlocks   = "pool.blocks"   // solved blocks, protobuf Struct
	TopicSessions = "pool.sessions" // connect/disconnect, JSON
)
