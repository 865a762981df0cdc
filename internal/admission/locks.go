package admission

import "sync"

// plateLocks serializes admission per normalized plate so two near-
// simultaneous detections of the same plate cannot both pass the duplicate
// check. Locks are never removed; the universe of plates seen by one
// deployment is small and each entry is one mutex.
type plateLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPlateLocks() *plateLocks {
	return &plateLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *plateLocks) lock(plate string) *sync.Mutex {
	p.mu.Lock()
	m, ok := p.locks[plate]
	if !ok {
		m = &sync.Mutex{}
		p.locks[plate] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m
}
