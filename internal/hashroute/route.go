package hashroute

import (
	"hash/fnv"
)

// DefaultPartitionCount matches the topic layout the services are deployed with.
const DefaultPartitionCount uint32 = 12

// PartitionFor maps a driver to its partition. The mapping is stable for a
// fixed partition count; changing the count remaps drivers and requires an
// explicit migration.
func PartitionFor(driverID string, partitionCount uint32) uint32 {
	if partitionCount == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(driverID))
	return uint32(h.Sum64() % uint64(partitionCount))
}
