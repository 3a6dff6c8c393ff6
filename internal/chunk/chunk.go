// Package chunk implements the chunk planner and the thread-safe chunk
// table: the partition of a download into contiguous byte ranges and the
// mutable acquire/mark-done state machine workers drive concurrently.
package chunk

import "fmt"

// MaxChunkCount is the hard cap enforced at plan construction. Exceeding it
// is a construction error, not a silent truncation.
const MaxChunkCount = 1_000_000

const (
	// MinChunkSize and MaxChunkSize bound the adaptive controller's output.
	MinChunkSize = 512 * 1024
	MaxChunkSize = 16 * 1024 * 1024

	streakThreshold = 3
)

// Status is a chunk's position in its lifecycle.
type Status int

const (
	Pending Status = iota
	InFlight
	Done
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Ref is the opaque ticket returned by acquiring a chunk. It carries
// everything a worker needs to perform the fetch without holding a pointer
// into the table's backing storage — the table mutates rows in place.
type Ref struct {
	ID           uint32
	Start        uint64
	EndInclusive uint64
}

// Len returns the number of bytes this chunk covers.
func (r Ref) Len() uint64 {
	return r.EndInclusive - r.Start + 1
}

type row struct {
	start        uint64
	endInclusive uint64
	status       Status
}

// Plan is the immutable-after-construction partition of [0, total_size)
// into dense, contiguous, non-overlapping chunks.
type Plan struct {
	totalSize uint64
	chunkSize uint64
	rows      []row
}

// NewPlan partitions totalSize into ceiling-divided chunks of chunkSize.
// totalSize == 0 produces an empty, trivially-finished plan.
func NewPlan(totalSize, chunkSize uint64) (*Plan, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("chunk: chunk size must be positive")
	}
	if totalSize == 0 {
		return &Plan{totalSize: 0, chunkSize: chunkSize}, nil
	}

	count := (totalSize + chunkSize - 1) / chunkSize
	if count > MaxChunkCount {
		return nil, fmt.Errorf("chunk: plan would require %d chunks, exceeding cap of %d; raise chunk size", count, MaxChunkCount)
	}

	rows := make([]row, 0, count)
	var start uint64
	for start < totalSize {
		end := start + chunkSize - 1
		if end >= totalSize {
			end = totalSize - 1
		}
		rows = append(rows, row{start: start, endInclusive: end, status: Pending})
		start = end + 1
	}

	return &Plan{totalSize: totalSize, chunkSize: chunkSize, rows: rows}, nil
}

// ChunkCount returns the dense chunk id range [0, ChunkCount).
func (p *Plan) ChunkCount() uint32 {
	return uint32(len(p.rows))
}

// ChunkSize returns the plan's fixed partition size (the last chunk may be
// shorter).
func (p *Plan) ChunkSize() uint64 {
	return p.chunkSize
}

// TotalSize returns the size the plan was built for.
func (p *Plan) TotalSize() uint64 {
	return p.totalSize
}
