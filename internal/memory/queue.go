// Package memory holds the broker's in-memory state: the per-queue
// FIFOs, the per-queue in-flight identifier sets and the statistics
// counters. The stores themselves are not synchronised; the broker
// observes every mutation under its single state mutex.
package memory

import (
	"github.com/oriys/quasar/internal/protocol"
)

// taskFIFO is one queue's pending messages in arrival order. Pops move
// a head index instead of reslicing so a busy queue does not reallocate
// on every fetch; the backing array is compacted once the dead prefix
// outgrows the live tail.
type taskFIFO struct {
	items []protocol.Task
	head  int
	bytes int64
}

func (f *taskFIFO) push(t protocol.Task) {
	f.items = append(f.items, t)
	f.bytes += taskBytes(t)
}

func (f *taskFIFO) pop() (protocol.Task, bool) {
	if f.head >= len(f.items) {
		return protocol.Task{}, false
	}
	t := f.items[f.head]
	f.items[f.head] = protocol.Task{}
	f.head++
	if f.head > len(f.items)/2 && f.head > 32 {
		f.items = append(f.items[:0], f.items[f.head:]...)
		f.head = 0
	}
	f.bytes -= taskBytes(t)
	return t, true
}

func (f *taskFIFO) depth() int {
	return len(f.items) - f.head
}

func (f *taskFIFO) contains(messageID string) bool {
	for _, t := range f.items[f.head:] {
		if t.MessageID == messageID {
			return true
		}
	}
	return false
}

func taskBytes(t protocol.Task) int64 {
	return int64(len(t.MessageID) + len(t.MessageData))
}

// QueueMemory maps queue name to its pending-message FIFO.
type QueueMemory struct {
	queues map[string]*taskFIFO
}

// NewQueueMemory returns an empty queue store.
func NewQueueMemory() *QueueMemory {
	return &QueueMemory{queues: make(map[string]*taskFIFO)}
}

// Declare creates the queue. It returns false without mutation when the
// queue already exists.
func (m *QueueMemory) Declare(queueName string) bool {
	if _, ok := m.queues[queueName]; ok {
		return false
	}
	m.queues[queueName] = &taskFIFO{}
	return true
}

// Delete removes the queue and everything in it.
func (m *QueueMemory) Delete(queueName string) bool {
	if _, ok := m.queues[queueName]; !ok {
		return false
	}
	delete(m.queues, queueName)
	return true
}

// Clear empties the queue but keeps it declared.
func (m *QueueMemory) Clear(queueName string) bool {
	if _, ok := m.queues[queueName]; !ok {
		return false
	}
	m.queues[queueName] = &taskFIFO{}
	return true
}

// Exists reports whether the queue is declared.
func (m *QueueMemory) Exists(queueName string) bool {
	_, ok := m.queues[queueName]
	return ok
}

// Put appends the task at the FIFO tail. False when the queue is not
// declared.
func (m *QueueMemory) Put(queueName string, t protocol.Task) bool {
	f, ok := m.queues[queueName]
	if !ok {
		return false
	}
	f.push(t)
	return true
}

// Get pops the FIFO head. False when the queue is unknown or empty.
func (m *QueueMemory) Get(queueName string) (protocol.Task, bool) {
	f, ok := m.queues[queueName]
	if !ok {
		return protocol.Task{}, false
	}
	return f.pop()
}

// Contains reports whether the identifier is currently pending in the
// queue. Used to keep journal replay idempotent.
func (m *QueueMemory) Contains(queueName, messageID string) bool {
	f, ok := m.queues[queueName]
	if !ok {
		return false
	}
	return f.contains(messageID)
}

// Depth returns the number of pending messages, or -1 for an unknown
// queue.
func (m *QueueMemory) Depth(queueName string) int {
	f, ok := m.queues[queueName]
	if !ok {
		return -1
	}
	return f.depth()
}

// Names returns the declared queue names.
func (m *QueueMemory) Names() []string {
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Stat returns, per queue, [depth, approximate bytes], the bytes being
// the summed lengths of the pending identifiers and payloads.
func (m *QueueMemory) Stat() map[string][]int64 {
	out := make(map[string][]int64, len(m.queues))
	for name, f := range m.queues {
		out[name] = []int64{int64(f.depth()), f.bytes}
	}
	return out
}
