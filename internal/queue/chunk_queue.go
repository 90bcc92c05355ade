// Package queue provides the chunk queue backing transaction-routed reads.
package queue

// ChunkQueue is a FIFO of received byte chunks. It is not goroutine-safe;
// callers synchronize around it.
type ChunkQueue struct {
	chunks [][]byte
	size   int
}

// NewChunkQueue creates a ChunkQueue preallocated for n chunks.
func NewChunkQueue(n int) *ChunkQueue {
	return &ChunkQueue{chunks: make([][]byte, 0, n)}
}

// Enqueue appends a chunk to the tail of the queue.
func (q *ChunkQueue) Enqueue(chunk []byte) {
	q.chunks = append(q.chunks, chunk)
	q.size += len(chunk)
}

// Dequeue removes and returns the chunk at the head of the queue, or nil if
// the queue is empty.
func (q *ChunkQueue) Dequeue() []byte {
	if len(q.chunks) == 0 {
		return nil
	}
	chunk := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	q.size -= len(chunk)

	return chunk
}

// PushFront inserts a chunk at the head of the queue. Used when leftover
// bytes from a completed transaction are merged forward.
func (q *ChunkQueue) PushFront(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	q.chunks = append([][]byte{chunk}, q.chunks...)
	q.size += len(chunk)
}

// DrainAll removes every chunk and returns them concatenated.
func (q *ChunkQueue) DrainAll() []byte {
	if q.size == 0 {
		q.Reset()
		return nil
	}

	out := make([]byte, 0, q.size)
	for _, chunk := range q.chunks {
		out = append(out, chunk...)
	}
	q.Reset()

	return out
}

// Reset empties the queue, keeping the underlying array for reuse.
func (q *ChunkQueue) Reset() {
	for i := range q.chunks {
		q.chunks[i] = nil
	}
	q.chunks = q.chunks[:0]
	q.size = 0
}

// IsEmpty reports whether the queue holds no chunks.
func (q *ChunkQueue) IsEmpty() bool {
	return len(q.chunks) == 0
}

// Size returns the total number of buffered bytes across all chunks.
func (q *ChunkQueue) Size() int {
	return q.size
}

// Length returns the number of chunks in the queue.
func (q *ChunkQueue) Length() int {
	return len(q.chunks)
}
