package executor

import "sync"

// liveLogCap bounds the per-run live buffer, oldest lines drop first.
const liveLogCap = 500

// lineRing is a fixed-capacity ring of output lines.
type lineRing struct {
	mu    sync.Mutex
	buf   []string
	start int
	n     int
}

func newLineRing(capacity int) *lineRing {
	if capacity <= 0 {
		capacity = liveLogCap
	}
	return &lineRing{buf: make([]string, capacity)}
}

func (r *lineRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = line
		r.n++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % len(r.buf)
}

// Tail returns up to limit most recent lines in order. limit <= 0 returns
// everything buffered.
func (r *lineRing) Tail(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.n
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, n)
	off := r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+off+i)%len(r.buf)]
	}
	return out
}

func (r *lineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
