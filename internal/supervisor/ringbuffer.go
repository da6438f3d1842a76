package supervisor

import "sync"

// ringBuffer keeps the last capacity bytes written to it. Worker
// stderr streams through one so a crash report holds the tail of the
// log without unbounded memory.
type ringBuffer struct {
	mu      sync.Mutex
	buf     []byte
	start   int
	size    int
	wrapped bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 8192
	}
	return &ringBuffer{buf: make([]byte, capacity)}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.start = 0
		r.size = len(r.buf)
		r.wrapped = true
		return n, nil
	}

	for _, b := range p {
		idx := (r.start + r.size) % len(r.buf)
		r.buf[idx] = b
		if r.size < len(r.buf) {
			r.size++
		} else {
			r.start = (r.start + 1) % len(r.buf)
			r.wrapped = true
		}
	}
	return n, nil
}

// String returns the buffered tail.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return string(out)
}
