package session

import "sync"

// Broadcaster fans auth events out to OnAuthStateChange handlers. Providers
// embed it.
type Broadcaster struct {
	mu       sync.Mutex
	handlers map[int]func(Event, *Session)
	next     int
}

func (b *Broadcaster) OnAuthStateChange(fn func(Event, *Session)) (unsubscribe func()) {
	b.mu.Lock()
	if b.handlers == nil {
		b.handlers = make(map[int]func(Event, *Session))
	}
	id := b.next
	b.next++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Emit calls every handler with a copy of s. Handlers run on the caller's
// goroutine, without the broadcaster's lock held.
func (b *Broadcaster) Emit(ev Event, s *Session) {
	b.mu.Lock()
	fns := make([]func(Event, *Session), 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		var cp *Session
		if s != nil {
			c := *s
			cp = &c
		}
		fn(ev, cp)
	}
}
