package memory

import (
	"time"
)

// Rate sampling: counters are resampled into per-second rates whenever
// more than sampleWindow has elapsed since the last sample; rates older
// than staleAfter are reported as zero so a quiet broker does not keep
// advertising its last busy window.
const (
	sampleWindow = 10 * time.Second
	staleAfter   = 20 * time.Second
)

// SendKey returns the sent-counter key for a queue.
func SendKey(queueName string) string { return "send_" + queueName }

// GetKey returns the fetched-counter key for a queue.
func GetKey(queueName string) string { return "get_" + queueName }

// AckKey returns the acked-counter key for a queue.
func AckKey(queueName string) string { return "ack_" + queueName }

// StatMemory tracks the monotonically increasing sent/fetched/acked
// counters per queue and derives short-window per-second rates.
type StatMemory struct {
	counts     map[string]int64
	speeds     map[string]float64
	lastCounts map[string]int64
	lastTime   time.Time

	now func() time.Time
}

// NewStatMemory returns an empty statistics store.
func NewStatMemory() *StatMemory {
	return &StatMemory{
		counts:     make(map[string]int64),
		speeds:     make(map[string]float64),
		lastCounts: make(map[string]int64),
		lastTime:   time.Now(),
		now:        time.Now,
	}
}

// Declare creates the three counters for a queue. False when they
// already exist.
func (m *StatMemory) Declare(queueName string) bool {
	if _, ok := m.counts[SendKey(queueName)]; ok {
		return false
	}
	for _, key := range []string{SendKey(queueName), GetKey(queueName), AckKey(queueName)} {
		m.counts[key] = 0
		m.speeds[key] = 0
		m.lastCounts[key] = 0
	}
	return true
}

// Delete removes a queue's counters.
func (m *StatMemory) Delete(queueName string) bool {
	if _, ok := m.counts[SendKey(queueName)]; !ok {
		return false
	}
	for _, key := range []string{SendKey(queueName), GetKey(queueName), AckKey(queueName)} {
		delete(m.counts, key)
		delete(m.speeds, key)
		delete(m.lastCounts, key)
	}
	return true
}

// Incr bumps a counter and resamples the rates when the sample window
// has elapsed.
func (m *StatMemory) Incr(key string) {
	if _, ok := m.counts[key]; !ok {
		return
	}
	m.counts[key]++

	elapsed := m.now().Sub(m.lastTime)
	if elapsed <= sampleWindow {
		return
	}
	secs := elapsed.Seconds()
	for k, count := range m.counts {
		m.speeds[k] = float64(count-m.lastCounts[k]) / secs
		m.lastCounts[k] = count
	}
	m.lastTime = m.now()
}

// Count returns a counter's value; zero for an unknown key.
func (m *StatMemory) Count(key string) int64 {
	return m.counts[key]
}

// Speeds returns a copy of the current rate map. Rates are zeroed when
// no sample has landed within the staleness horizon.
func (m *StatMemory) Speeds() map[string]float64 {
	stale := m.now().Sub(m.lastTime) > staleAfter
	out := make(map[string]float64, len(m.speeds))
	for k, v := range m.speeds {
		if stale {
			m.speeds[k] = 0
			v = 0
		}
		out[k] = v
	}
	return out
}

// QueueSpeeds returns the three rates for one queue, or false when the
// queue has no counters.
func (m *StatMemory) QueueSpeeds(queueName string) (map[string]float64, bool) {
	if _, ok := m.counts[SendKey(queueName)]; !ok {
		return nil, false
	}
	all := m.Speeds()
	return map[string]float64{
		SendKey(queueName): all[SendKey(queueName)],
		GetKey(queueName):  all[GetKey(queueName)],
		AckKey(queueName):  all[AckKey(queueName)],
	}, true
}
