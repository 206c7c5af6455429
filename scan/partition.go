package scan

import (
	"fmt"
	"hash/fnv"
)

// Partition shards the scan working set across scheduler instances by
// record-id hash so no two instances scan the same records.
type Partition struct {
	Index int
	Total int
}

// Validate checks index/total coherence.
func (p Partition) Validate() error {
	if p.Total <= 0 {
		return nil
	}
	if p.Index < 0 || p.Index >= p.Total {
		return fmt.Errorf("partition index %d out of range for total %d", p.Index, p.Total)
	}
	return nil
}

// Owns reports whether this partition is responsible for the record. A zero
// Partition owns everything.
func (p Partition) Owns(recordID string) bool {
	if p.Total <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(recordID))
	return int(h.Sum32())%p.Total == p.Index
}
