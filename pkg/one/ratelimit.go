package one

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedClient bounds the rate of calls made to oned. Every call waits
// for a token first, honouring ctx cancellation.
type RateLimitedClient struct {
	client  Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps client with a token bucket of callsPerSecond and
// burst (burst defaults to twice the rate, at least 1).
func NewRateLimitedClient(client Client, callsPerSecond float64, burst int) *RateLimitedClient {
	if burst <= 0 {
		burst = int(callsPerSecond) * 2
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

func (r *RateLimitedClient) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// ListImages implements Client
func (r *RateLimitedClient) ListImages(ctx context.Context) ([]Image, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.client.ListImages(ctx)
}

// AllocateImage implements Client
func (r *RateLimitedClient) AllocateImage(ctx context.Context, spec ImageSpec) (int, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.client.AllocateImage(ctx, spec)
}

// DeleteImage implements Client
func (r *RateLimitedClient) DeleteImage(ctx context.Context, imageID int) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.client.DeleteImage(ctx, imageID)
}

// GetImage implements Client
func (r *RateLimitedClient) GetImage(ctx context.Context, imageID int) (*Image, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.client.GetImage(ctx, imageID)
}

// GetVM implements Client
func (r *RateLimitedClient) GetVM(ctx context.Context, vmID int) (*VM, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.client.GetVM(ctx, vmID)
}

// AttachDisk implements Client
func (r *RateLimitedClient) AttachDisk(ctx context.Context, vmID, imageID int) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.client.AttachDisk(ctx, vmID, imageID)
}

// DetachDisk implements Client
func (r *RateLimitedClient) DetachDisk(ctx context.Context, vmID, diskID int) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.client.DetachDisk(ctx, vmID, diskID)
}

// ResizeDisk implements Client
func (r *RateLimitedClient) ResizeDisk(ctx context.Context, vmID, diskID int, sizeMB int64) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.client.ResizeDisk(ctx, vmID, diskID, sizeMB)
}

// Version implements Client
func (r *RateLimitedClient) Version(ctx context.Context) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.client.Version(ctx)
}
