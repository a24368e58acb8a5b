package chunker

import (
	"context"
	"fmt"
)

// Config controls how rows are partitioned and queued.
type Config struct {
	ChunkSize int // Rows per chunk.
	Workers   int // Merge workers draining the queue.
	QueueMult int // Queue capacity as a multiple of Workers.
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize: 200,
		Workers:   1,
		QueueMult: 2,
	}
}

// QueueCap returns the bounded queue capacity for cfg.
func (c Config) QueueCap() int {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueMult <= 0 {
		c.QueueMult = 2
	}
	return c.Workers * c.QueueMult
}

// Chunk is the half-open row index range [Start, End).
type Chunk struct {
	Index int
	Start int
	End   int
}

// Len returns the number of rows in the chunk.
func (c Chunk) Len() int {
	return c.End - c.Start
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d [%d,%d)", c.Index, c.Start, c.End)
}

// Split partitions [0, total) into chunks of size rows; the last may be
// smaller. A non-positive size is treated as 1.
func Split(total, size int) []Chunk {
	if total <= 0 {
		return nil
	}
	if size <= 0 {
		size = 1
	}
	chunks := make([]Chunk, 0, (total+size-1)/size)
	for start := 0; start < total; start += size {
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Start: start,
			End:   min(start+size, total),
		})
	}
	return chunks
}

// Schedule pushes the chunks of [0, total) onto out in order and closes it.
// It blocks while out is full and returns ctx.Err() if ctx ends first; chunks
// not yet pushed are never handed out.
func Schedule(ctx context.Context, total, size int, out chan<- Chunk) error {
	defer close(out)
	if size <= 0 {
		size = 1
	}
	index := 0
	for start := 0; start < total; start += size {
		c := Chunk{Index: index, Start: start, End: min(start+size, total)}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
		index++
	}
	return nil
}
