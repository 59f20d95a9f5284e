// Package store provides durable message storage with a recipient index.
//
// A message is created once, looked up by ID, and mutated only by
// appending replies. Every backend keeps a secondary index keyed by
// recipient and ordered by creation time, written atomically with the
// primary record.
//
// # Backends
//
//   - [DynamoStore] - DynamoDB message table plus an inbox index table,
//     written in one TransactWriteItems call
//   - [MemoryStore] - in-process maps guarded by one lock
//   - pebblestore.Store - embedded Pebble database (sub-package)
//   - redisstore.Store - Redis strings and sorted sets (sub-package)
//
// # Configuration
//
// Use [DefaultConfig] for small datasets (NumShards=1, single queries).
// Increase NumShards to spread a busy inbox across index partitions:
//
//	cfg := store.DefaultConfig()
//	cfg.NumShards = 16
//	s := store.NewDynamo(client, cfg)
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrNotFound] - message doesn't exist
//   - [ErrAlreadyExists] - message with ID already exists
//   - [ErrUnavailable] - backend gave up within its retry policy
//   - [ErrInvalidMessage] - message is missing required fields
package store
