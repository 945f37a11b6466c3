package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

const (
	// DefaultSettleAttempts is the number of times a VM disk action is tried
	// while the VM is reported to be in the wrong state.
	DefaultSettleAttempts = 30

	// DefaultSettleStep is the delay unit of the linear backoff: the wait
	// after attempt n is n*DefaultSettleStep.
	DefaultSettleStep = time.Second
)

// LinearBackOff is a backoff.BackOff whose n-th interval is n*Step.
type LinearBackOff struct {
	Step    time.Duration
	attempt int
}

// NextBackOff implements backoff.BackOff.
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.Step
}

// Reset implements backoff.BackOff.
func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// SettlePolicy configures RetryTransient.
type SettlePolicy struct {
	// Wait enables retrying; when false exactly one attempt is made and the
	// orchestrator is expected to retry the whole call itself.
	Wait bool

	// Attempts bounds the total number of attempts (DefaultSettleAttempts if zero).
	Attempts int

	// Step is the linear backoff unit (DefaultSettleStep if zero).
	Step time.Duration
}

// DefaultSettlePolicy returns the policy used for attach, detach and resize.
func DefaultSettlePolicy() SettlePolicy {
	return SettlePolicy{
		Wait:     true,
		Attempts: DefaultSettleAttempts,
		Step:     DefaultSettleStep,
	}
}

// NoSettle returns a policy that makes a single attempt.
func NoSettle() SettlePolicy {
	return SettlePolicy{Wait: false}
}

// RetryTransient runs op until it succeeds, fails with an error isTransient
// rejects, the attempt budget runs out or ctx is done.
//
// When the budget is exhausted the error of the last attempt is returned
// unchanged. notify, if not nil, is called before every retry with the
// failed attempt number and its error.
func RetryTransient(ctx context.Context, policy SettlePolicy, isTransient func(error) bool, op func() error, notify func(attempt int, err error)) error {
	if !policy.Wait {
		return op()
	}

	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = DefaultSettleAttempts
	}
	step := policy.Step
	if step == 0 {
		step = DefaultSettleStep
	}
	if step < 0 {
		step = 0
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := op()
		if err == nil {
			if attempt > 1 {
				klog.V(4).Infof("Operation succeeded on attempt %d", attempt)
			}
			return nil
		}
		if !isTransient(err) {
			klog.V(4).Infof("Attempt %d failed with non-transient error: %v", attempt, err)
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&LinearBackOff{Step: step}, uint64(attempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		klog.V(4).Infof("Attempt %d/%d failed with transient error, retrying in %v: %v", attempt, attempts, wait, err)
		if notify != nil {
			notify(attempt, err)
		}
	})
	if err != nil && isTransient(err) && attempt >= attempts {
		klog.V(2).Infof("All %d attempts exhausted, last error: %v", attempts, err)
	}
	return err
}
