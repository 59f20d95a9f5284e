// Package shard provides partition key generation for the recipient index.
package shard

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// InboxPK computes the sharded partition key for a recipient index entry.
// With numShards=1, all entries for a recipient go to shard "00".
// With numShards>1, entries are distributed across shards based on the
// message ID hash.
func InboxPK(recipient string, messageID int64, numShards int) string {
	return InboxShardPK(recipient, Of(messageID, numShards))
}

// InboxShardPK returns the partition key of one recipient shard.
func InboxShardPK(recipient string, shardNum int) string {
	return fmt.Sprintf("inbox#%s#%02x", recipient, shardNum)
}

// Of returns the shard number in [0, numShards) that owns messageID.
func Of(messageID int64, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(messageID, 10)))
	return int(h.Sum32() % uint32(numShards))
}
