// Package circuitbreaker stops a node from retrying the staging of a volume
// whose filesystem keeps failing to check, grow or mount.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/utils"
)

const (
	// DefaultConsecutiveFailures is the number of failures before circuit opens
	DefaultConsecutiveFailures = 3

	// DefaultOpenTimeout is how long circuit stays open before allowing a retry
	DefaultOpenTimeout = 5 * time.Minute

	// DefaultInterval is the cyclic period of closed state to clear failure counts
	DefaultInterval = 1 * time.Minute

	// ResetAnnotation is the PVC annotation to reset circuit breaker
	ResetAnnotation = "one.csi.srvlab.io/reset-circuit-breaker"
)

// Config tunes a StageBreaker. Zero values take the defaults.
type Config struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration

	// OnStateChange is called with the volume and the state entered
	// ("closed", "half-open", "open"). May be nil.
	OnStateChange func(volumeID, state string)
}

// StageBreaker keeps one circuit per volume with pending failures. A circuit
// opens after consecutive internal failures and then rejects staging with
// Unavailable until it times out or is reset through the PVC annotation.
// A circuit that is closed again after a success is dropped.
type StageBreaker struct {
	config Config

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	cb *gobreaker.CircuitBreaker

	mu      sync.Mutex
	lastErr error
}

// New creates a StageBreaker
func New(config Config) *StageBreaker {
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = DefaultConsecutiveFailures
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = DefaultOpenTimeout
	}
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	return &StageBreaker{
		config:   config,
		circuits: make(map[string]*circuit),
	}
}

// tripsCircuit reports whether err counts as a failure. Only internal
// errors do; invalid requests and conflicts are reported every time.
func tripsCircuit(err error) bool {
	return err != nil && utils.Code(err) == codes.Internal
}

func (b *StageBreaker) circuit(volumeID string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[volumeID]; ok {
		return c
	}

	c := &circuit{}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        volumeID,
		MaxRequests: 1,
		Interval:    b.config.Interval,
		Timeout:     b.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Stage circuit of volume %s: %s -> %s", name, from, to)
			if b.config.OnStateChange != nil {
				b.config.OnStateChange(name, to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			return !tripsCircuit(err)
		},
	})
	b.circuits[volumeID] = c
	klog.V(4).Infof("Created stage circuit for volume %s", volumeID)
	return c
}

// Execute runs stage unless the circuit of the volume is open
func (b *StageBreaker) Execute(volumeID string, stage func() error) error {
	c := b.circuit(volumeID)

	_, err := c.cb.Execute(func() (interface{}, error) {
		err := stage()
		if tripsCircuit(err) {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
		}
		return nil, err
	})
	if !tripsCircuit(err) && c.cb.State() == gobreaker.StateClosed {
		b.drop(volumeID, c)
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		c.mu.Lock()
		last := c.lastErr
		c.mu.Unlock()
		return status.Errorf(codes.Unavailable,
			"staging of volume %s failed %d times in a row (last error: %v); "+
				"set annotation %s=true on the PVC to retry",
			volumeID, b.config.ConsecutiveFailures, last, ResetAnnotation)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return status.Errorf(codes.Unavailable,
			"staging of volume %s is already being retried", volumeID)
	}
	return err
}

// drop removes the circuit of a volume if it is still c
func (b *StageBreaker) drop(volumeID string, c *circuit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.circuits[volumeID] == c {
		delete(b.circuits, volumeID)
	}
}

// Forget removes the circuit of a volume, e.g. once it is unstaged.
func (b *StageBreaker) Forget(volumeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, volumeID)
}

// ResetIfAnnotated drops the circuit of a volume when the reset annotation
// is "true". It reports whether a circuit was dropped.
func (b *StageBreaker) ResetIfAnnotated(volumeID string, annotations map[string]string) bool {
	if annotations[ResetAnnotation] != "true" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.circuits[volumeID]; !ok {
		return false
	}
	delete(b.circuits, volumeID)
	klog.Infof("Stage circuit of volume %s reset via annotation", volumeID)
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(volumeID, gobreaker.StateClosed.String())
	}
	return true
}

// State returns the state of the circuit of a volume, "closed" if it has none.
func (b *StageBreaker) State(volumeID string) string {
	b.mu.Lock()
	c, ok := b.circuits[volumeID]
	b.mu.Unlock()

	if !ok {
		return gobreaker.StateClosed.String()
	}
	return c.cb.State().String()
}
