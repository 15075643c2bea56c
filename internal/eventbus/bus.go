// Package eventbus provides a small in-memory fanout bus used to decouple
// the scheduler and executor from status consumers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the orchestrator.
const (
	TypeTaskStatus   = "task.status"   // Data: executor.RunResult snapshots
	TypeTaskLog      = "task.log"      // Data: LogLine
	TypeTaskHistory  = "task.history"  // Data: executor.RunResult (finished runs)
	TypeSchedulerOp  = "scheduler.op"  // Data: string description (reload, mode switch)
	TypeConfigReload = "config.reload" // Data: nil
)

// LogLine is the payload of TypeTaskLog events.
type LogLine struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so sends happen without holding the lock.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrent unsubscribe may close the
		// channel, so recover from the send panic.
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
