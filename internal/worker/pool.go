package worker

import "sync"

// Pool tracks how many of a worker's execution slots are busy
type Pool struct {
	size     int
	busy     int
	mu       sync.Mutex
	onChange func(busy int)
}

// NewPool creates a pool with the given number of slots
func NewPool(size int) *Pool {
	return &Pool{size: size}
}

// SetOnChange sets a callback invoked with the busy count whenever it changes
func (p *Pool) SetOnChange(callback func(busy int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = callback
}

// Acquire claims a slot. Returns false when all slots are busy.
func (p *Pool) Acquire() bool {
	p.mu.Lock()
	if p.busy >= p.size {
		p.mu.Unlock()
		return false
	}
	p.busy++
	callback := p.onChange
	busy := p.busy
	p.mu.Unlock()

	// outside the lock so the callback may call back into the pool
	if callback != nil {
		callback(busy)
	}
	return true
}

// Release frees a slot
func (p *Pool) Release() {
	p.mu.Lock()
	if p.busy > 0 {
		p.busy--
	}
	callback := p.onChange
	busy := p.busy
	p.mu.Unlock()

	if callback != nil {
		callback(busy)
	}
}

// Busy returns the number of slots in use
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Size returns the pool capacity
func (p *Pool) Size() int {
	return p.size
}
