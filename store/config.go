package store

// Config holds configuration for the DynamoDB store.
type Config struct {
	// MessageTable is the name of the message table (hash key "id").
	// Default: "DirectMessage"
	MessageTable string

	// InboxTable is the name of the recipient index table (pk/sk).
	// Default: "DirectMessageInbox"
	InboxTable string

	// NumShards is the number of index partitions per recipient.
	// Higher values spread a busy inbox across partitions at the cost
	// of one parallel query per shard when listing.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int

	// MaxBatchRetries bounds the retries of unprocessed BatchGetItem keys.
	// Default: 5
	MaxBatchRetries int
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		MessageTable:    "DirectMessage",
		InboxTable:      "DirectMessageInbox",
		NumShards:       1,
		MaxBatchRetries: 5,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.MessageTable == "" {
		c.MessageTable = "DirectMessage"
	}
	if c.InboxTable == "" {
		c.InboxTable = "DirectMessageInbox"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
	if c.MaxBatchRetries < 1 {
		c.MaxBatchRetries = 5
	}
}
