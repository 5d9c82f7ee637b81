package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by sitepulse components.
const (
	TypeLedgerTransition = "ledger.transition"
	TypeDispatchResult   = "dispatch.result"
	TypePassCompleted    = "pass.completed"
	TypeRemediation      = "ledger.remediation"
	TypeTaskQueued       = "task.queued"
	TypeTaskStarted      = "task.started"
	TypeTaskFinished     = "task.finished"
	TypeTaskRetry        = "task.retry"
	TypeTaskDropped      = "task.dropped"
)

// Event is a lightweight in-memory signal.
//
// Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Publisher is the write half of Bus.
type Publisher interface {
	Publish(e Event)
}

type Bus interface {
	Publisher
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Publisher { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
