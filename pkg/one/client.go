package one

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/observability"
)

// Client is the OpenNebula API surface used by the driver. Implementations
// must be safe for concurrent use. Failed calls return an *Error carrying a
// Reason.
type Client interface {
	// ListImages returns every image visible to the session.
	ListImages(ctx context.Context) ([]Image, error)

	// AllocateImage creates a persistent DATABLOCK image and returns its id.
	AllocateImage(ctx context.Context, spec ImageSpec) (int, error)

	// DeleteImage removes an image.
	DeleteImage(ctx context.Context, imageID int) error

	// GetImage returns a single image.
	GetImage(ctx context.Context, imageID int) (*Image, error)

	// GetVM returns a VM with its disks.
	GetVM(ctx context.Context, vmID int) (*VM, error)

	// AttachDisk hot-plugs an image into a VM.
	AttachDisk(ctx context.Context, vmID, imageID int) error

	// DetachDisk hot-unplugs a disk from a VM.
	DetachDisk(ctx context.Context, vmID, diskID int) error

	// ResizeDisk grows a disk of a VM to sizeMB.
	ResizeDisk(ctx context.Context, vmID, diskID int, sizeMB int64) error

	// Version returns the OpenNebula version, used as a health check.
	Version(ctx context.Context) (string, error)
}

// ClientConfig holds configuration for creating an OpenNebula client
type ClientConfig struct {
	Endpoint string        // XML-RPC endpoint, e.g. http://frontend:2633/RPC2
	Username string        // OpenNebula user
	Password string        // Password or login token
	Timeout  time.Duration // Per-call HTTP timeout (default 30s)

	// RateLimit bounds API calls per second (0 disables limiting)
	RateLimit float64
	RateBurst int

	// Transport overrides the HTTP transport (tests)
	Transport http.RoundTripper

	// Metrics is optional Prometheus metrics recorder (may be nil)
	Metrics *observability.Metrics
}

// NewClient creates an OpenNebula client for the given configuration, wrapped
// in a rate limiter when RateLimit is set.
func NewClient(config ClientConfig) (Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if config.Username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	xc, err := newXMLRPCClient(config)
	if err != nil {
		return nil, err
	}

	var client Client = xc

	if config.RateLimit > 0 {
		client = NewRateLimitedClient(client, config.RateLimit, config.RateBurst)
	}
	return client, nil
}
