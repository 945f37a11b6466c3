package one

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// HealthMonitorConfig holds configuration for HealthMonitor.
type HealthMonitorConfig struct {
	// Client is the OpenNebula client to check (required)
	Client Client

	// Interval between checks (default: 30s)
	Interval time.Duration

	// Timeout of a single check (default: 10s)
	Timeout time.Duration
}

// HealthMonitor periodically checks that oned answers and caches the result
// for the Identity Probe call.
type HealthMonitor struct {
	config  HealthMonitorConfig
	mu      sync.RWMutex
	healthy bool
	version string
	lastErr error
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHealthMonitor creates a HealthMonitor. The monitor reports healthy until
// the first failed check.
func NewHealthMonitor(config HealthMonitorConfig) (*HealthMonitor, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("Client is required")
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	return &HealthMonitor{
		config:  config,
		healthy: true,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// IsHealthy returns the result of the most recent check.
func (h *HealthMonitor) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

// Version returns the OpenNebula version seen by the last successful check.
func (h *HealthMonitor) Version() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// Check queries oned once and updates the cached state.
func (h *HealthMonitor) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	version, err := h.config.Client.Version(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		if h.healthy {
			klog.Warningf("OpenNebula API became unreachable: %v", err)
		}
		h.healthy = false
		h.lastErr = err
		return err
	}

	if !h.healthy {
		klog.Infof("OpenNebula API reachable again (version %s)", version)
	}
	h.healthy = true
	h.version = version
	h.lastErr = nil
	return nil
}

// Start runs Check every Interval until ctx is done or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) {
	go func() {
		defer close(h.doneCh)

		ticker := time.NewTicker(h.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				_ = h.Check(ctx)
			}
		}
	}()
}

// Stop signals the monitor goroutine to stop and blocks until it's done.
// It must only be called after Start.
func (h *HealthMonitor) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

// WaitForAPI blocks until oned answers a version request, retrying with
// exponential backoff for at most maxElapsed. Authentication failures are
// not retried.
func WaitForAPI(ctx context.Context, client Client, maxElapsed time.Duration) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 16 * time.Second
	bo.MaxElapsedTime = maxElapsed
	bo.RandomizationFactor = 0.1

	attempt := 0
	var version string
	err := backoff.RetryNotify(func() error {
		attempt++
		v, err := client.Version(ctx)
		if err != nil {
			if ReasonOf(err) == ReasonAuth {
				return backoff.Permanent(err)
			}
			return err
		}
		version = v
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		klog.V(2).Infof("OpenNebula API not ready (attempt %d), retrying in %v: %v", attempt, wait, err)
	})
	if err != nil {
		return "", fmt.Errorf("OpenNebula API not reachable after %d attempts: %w", attempt, err)
	}
	return version, nil
}
