package notify

import (
	"fmt"
	"hash/fnv"

	"logview/internal/domain"
)

// QueueForGrain deterministically assigns a grain to one of queueCount
// notification queues, so every cluster routes a grain's notifications the
// same way.
func QueueForGrain(grain domain.GrainRef, queueCount int) int {
	if queueCount <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(grain.String()))
	return int(h.Sum64() % uint64(queueCount))
}

// CheckpointStreamName names the checkpoint stream for one notification
// queue of a stream provider.
func CheckpointStreamName(serviceID, providerName string, queue int, id [16]byte) string {
	return fmt.Sprintf("%s/checkpoints/%s/%d/%032x", serviceID, providerName, queue, id)
}

// CheckpointIDForGrain derives a stable 16-byte checkpoint id from grain
// identity.
func CheckpointIDForGrain(grain domain.GrainRef) [16]byte {
	var id [16]byte
	h := fnv.New128a()
	_, _ = h.Write([]byte(grain.String()))
	h.Sum(id[:0])
	return id
}
