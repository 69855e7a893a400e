package uploadsvc

import "sync"

// gate выдаёт RWMutex на identity. Загрузка чанка держит read-сторону на put+register,
// переходы состояния (начало слияния, очистка) держат write-сторону.
// Записи удаляются, когда последний держатель отпускает lock.
type gate struct {
	mu    sync.Mutex
	locks map[string]*gateEntry
}

type gateEntry struct {
	rw   sync.RWMutex
	refs int
}

func newGate() *gate {
	return &gate{locks: map[string]*gateEntry{}}
}

func (g *gate) acquire(id string) *gateEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.locks[id]
	if !ok {
		e = &gateEntry{}
		g.locks[id] = e
	}
	e.refs++
	return e
}

func (g *gate) release(id string, e *gateEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.locks, id)
	}
}

// shared берёт read-lock и возвращает функцию освобождения.
func (g *gate) shared(id string) func() {
	e := g.acquire(id)
	e.rw.RLock()
	return func() {
		e.rw.RUnlock()
		g.release(id, e)
	}
}

// exclusive берёт write-lock и возвращает функцию освобождения.
func (g *gate) exclusive(id string) func() {
	e := g.acquire(id)
	e.rw.Lock()
	return func() {
		e.rw.Unlock()
		g.release(id, e)
	}
}

func (g *gate) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
