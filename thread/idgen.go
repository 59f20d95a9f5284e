package thread

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// UUIDGenerator derives ids from the high 64 bits of a random v4 UUID,
// shifted to fit a non-negative int64. Collisions are unlikely, not
// impossible; SendMessage retries on ErrAlreadyExists.
type UUIDGenerator struct{}

func (UUIDGenerator) NextID() (int64, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(u[:8]) >> 1), nil
}
