package memory

import (
	"testing"
	"time"
)

func TestStatDeclareAndCount(t *testing.T) {
	m := NewStatMemory()
	if !m.Declare("q") {
		t.Fatal("declare failed")
	}
	if m.Declare("q") {
		t.Error("second declare must fail")
	}

	m.Incr(SendKey("q"))
	m.Incr(SendKey("q"))
	m.Incr(GetKey("q"))
	if m.Count(SendKey("q")) != 2 {
		t.Errorf("send count = %d", m.Count(SendKey("q")))
	}
	if m.Count(GetKey("q")) != 1 {
		t.Errorf("get count = %d", m.Count(GetKey("q")))
	}
	if m.Count(AckKey("q")) != 0 {
		t.Errorf("ack count = %d", m.Count(AckKey("q")))
	}
}

func TestStatIncrUnknownKeyIgnored(t *testing.T) {
	m := NewStatMemory()
	m.Incr(SendKey("ghost"))
	if m.Count(SendKey("ghost")) != 0 {
		t.Error("unknown key was created by Incr")
	}
}

func TestStatDelete(t *testing.T) {
	m := NewStatMemory()
	m.Declare("q")
	if !m.Delete("q") {
		t.Fatal("delete failed")
	}
	if m.Delete("q") {
		t.Error("second delete must fail")
	}
	if _, ok := m.QueueSpeeds("q"); ok {
		t.Error("speeds survived delete")
	}
}

func TestStatRateSampling(t *testing.T) {
	now := time.Now()
	m := NewStatMemory()
	m.now = func() time.Time { return now }
	m.Declare("q")

	for i := 0; i < 50; i++ {
		m.Incr(SendKey("q"))
	}
	// Inside the sample window: no rate yet.
	speeds, _ := m.QueueSpeeds("q")
	if speeds[SendKey("q")] != 0 {
		t.Errorf("rate before window elapsed = %f", speeds[SendKey("q")])
	}

	// Step past the window; the next increment resamples.
	now = now.Add(10*time.Second + time.Second)
	m.Incr(SendKey("q"))

	speeds, ok := m.QueueSpeeds("q")
	if !ok {
		t.Fatal("queue speeds missing")
	}
	want := 51.0 / 11.0
	got := speeds[SendKey("q")]
	if got < want-0.01 || got > want+0.01 {
		t.Errorf("send rate = %f, want about %f", got, want)
	}
}

func TestStatRateGoesStale(t *testing.T) {
	now := time.Now()
	m := NewStatMemory()
	m.now = func() time.Time { return now }
	m.Declare("q")

	for i := 0; i < 20; i++ {
		m.Incr(SendKey("q"))
	}
	now = now.Add(11 * time.Second)
	m.Incr(SendKey("q"))

	speeds, _ := m.QueueSpeeds("q")
	if speeds[SendKey("q")] == 0 {
		t.Fatal("expected a non-zero rate after resample")
	}

	// A long quiet spell zeroes the reported rates.
	now = now.Add(21 * time.Second)
	speeds, _ = m.QueueSpeeds("q")
	if speeds[SendKey("q")] != 0 {
		t.Errorf("stale rate = %f, want 0", speeds[SendKey("q")])
	}
}
