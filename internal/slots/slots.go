// Package slots manages the bounded pool of voice/participant slots. The pool
// is the sole owner of assignment state; nothing else decides which slot is
// free.
package slots

import "sync"

// Pool hands out integer slot indices from a fixed range.
type Pool struct {
	mu       sync.Mutex
	size     int
	free     []int
	acquired map[int]bool
}

func NewPool(size int) *Pool {
	p := &Pool{
		size:     size,
		free:     make([]int, 0, size),
		acquired: make(map[int]bool, size),
	}
	for i := 0; i < size; i++ {
		p.free = append(p.free, i)
	}
	return p
}

// Acquire returns up to n free slots. A short (or empty) result means the pool
// is running dry; callers treat that as admission control, not an error.
func (p *Pool) Acquire(n int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > len(p.free) {
		n = len(p.free)
	}
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	copy(out, p.free[:n])
	p.free = p.free[n:]
	for _, s := range out {
		p.acquired[s] = true
	}
	return out
}

// Release returns slots to the pool. Releasing a slot that is already free,
// or was never valid, is a no-op.
func (p *Pool) Release(slots []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range slots {
		if !p.acquired[s] {
			continue
		}
		delete(p.acquired, s)
		p.free = append(p.free, s)
	}
}

func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) AcquiredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acquired)
}
