package mock

import (
	"math/rand"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// TimingSimulator delays XML-RPC answers like a loaded frontend would
type TimingSimulator struct {
	enabled bool
	latency time.Duration
	jitter  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTimingSimulator creates a new timing simulator from configuration
func NewTimingSimulator(config MockOnedConfig) *TimingSimulator {
	return &TimingSimulator{
		enabled: config.RealisticTiming,
		latency: time.Duration(config.CallLatencyMs) * time.Millisecond,
		jitter:  time.Duration(config.CallLatencyJitterMs) * time.Millisecond,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the latency of the next call: base latency ± jitter
func (t *TimingSimulator) Delay() time.Duration {
	if !t.enabled || t.latency == 0 {
		return 0
	}

	jitter := time.Duration(0)
	if t.jitter > 0 {
		t.mu.Lock()
		jitter = time.Duration(t.rng.Int63n(int64(t.jitter*2))) - t.jitter
		t.mu.Unlock()
	}

	delay := t.latency + jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}

// SimulateCall sleeps for the latency of one call
func (t *TimingSimulator) SimulateCall(method string) {
	delay := t.Delay()
	if delay == 0 {
		return
	}
	klog.V(5).Infof("Mock oned timing: %s latency %dms", method, delay.Milliseconds())
	time.Sleep(delay)
}
