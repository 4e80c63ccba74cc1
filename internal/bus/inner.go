package bus

import "sync"

// Inner is the in-process Bus transport: every published event is fanned
// out to every currently-subscribed channel. A subscriber that falls behind
// has events dropped for it rather than blocking the publisher, so a stuck
// consumer can never stall the event loop.
type Inner struct {
	mu      sync.RWMutex
	subs    map[int]chan any
	nextSub int
}

// NewInner returns a ready-to-use Inner bus with no subscribers.
func NewInner() *Inner {
	return &Inner{subs: make(map[int]chan any)}
}

// Subscribe registers a new listener with the given channel buffer depth
// and returns its channel plus an unsubscribe function. Calling the
// returned function more than once is a no-op.
func (b *Inner) Subscribe(buffer int) (<-chan any, func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan any, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, unsubscribe
}

func (b *Inner) publish(ev any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Inner) Crash(ev CrashEvent)             { b.publish(ev) }
func (b *Inner) JobStarted(ev JobStartedEvent)   { b.publish(ev) }
func (b *Inner) JobDone(ev JobDoneEvent)         { b.publish(ev) }
func (b *Inner) Warning(ev WarningEvent)         { b.publish(ev) }
func (b *Inner) Update(ev UpdateEvent)           { b.publish(ev) }
func (b *Inner) QuotaExceed(ev QuotaExceedEvent) { b.publish(ev) }

var _ Bus = (*Inner)(nil)
