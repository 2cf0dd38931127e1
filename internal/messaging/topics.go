package messaging

// Topic constants for the event bus
const (
	// TopicMiningEvents carries every accepted block, keyed by block number
	TopicMiningEvents = "powtoken.mining_events"
	// TopicHashrate carries miner hashrate reports
	TopicHashrate = "powtoken.hashrate"
)
