package sched

import (
	"sync"

	"maestro/internal/config"
	"maestro/internal/executor"
)

// Run origins.
const (
	OriginScheduler     = "scheduler"
	OriginManual        = "manual"
	OriginRetry         = "retry"
	OriginSuccessRepeat = "success-repeat"
	OriginPreemptReturn = "preempt-requeue"
)

// QueueItem is one pending run request.
type QueueItem struct {
	Task *config.TaskDefinition
	// TriggerKey is "taskID:idx" for trigger-originated items, empty for
	// manual runs.
	TriggerKey string
	Meta       executor.Meta
}

func (it QueueItem) priority() int { return it.Task.EffectivePriority() }

// TaskQueue is a priority queue ordered by task priority (lower number is
// more urgent), FIFO within equal priorities.
type TaskQueue struct {
	mu    sync.Mutex
	items []QueueItem
}

func NewTaskQueue() *TaskQueue { return &TaskQueue{} }

// Put inserts the item before the first entry with a strictly larger
// priority, which keeps equal priorities in arrival order.
func (q *TaskQueue) Put(item QueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := len(q.items)
	for i, existing := range q.items {
		if existing.priority() > item.priority() {
			pos = i
			break
		}
	}
	q.items = append(q.items, QueueItem{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// Get pops the most urgent item.
func (q *TaskQueue) Get() (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Remove drops all queued items of a task and returns how many were removed.
func (q *TaskQueue) Remove(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if it.Task.ID == taskID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return removed
}

// Retain keeps only items whose task id maps to true and returns how many
// were dropped.
func (q *TaskQueue) Retain(valid map[string]bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	dropped := 0
	for _, it := range q.items {
		if valid[it.Task.ID] {
			kept = append(kept, it)
			continue
		}
		dropped++
	}
	q.items = kept
	return dropped
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot copy in queue order.
func (q *TaskQueue) Items() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueItem, len(q.items))
	copy(out, q.items)
	return out
}
