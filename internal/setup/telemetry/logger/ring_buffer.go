package logger

// RingBuffer keeps the most recent lines written to a log file.
type RingBuffer struct {
	lines    []string
	capacity int
	head     int // next write position
	size     int
	seen     int // lines added since the last rotation
}

// NewRingBuffer creates a buffer holding at most capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}

	return &RingBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Add appends a line, overwriting the oldest one when full.
func (rb *RingBuffer) Add(line string) {
	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}

	rb.seen++
}

// Lines returns the buffered lines, oldest first.
func (rb *RingBuffer) Lines() []string {
	out := make([]string, 0, rb.size)

	start := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := range rb.size {
		out = append(out, rb.lines[(start+i)%rb.capacity])
	}

	return out
}

// Len returns the number of buffered lines.
func (rb *RingBuffer) Len() int {
	return rb.size
}
