package driver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/mount"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/observability"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/one"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/utils"
)

const (
	// DriverName is the official name of this CSI driver
	DriverName = "one.csi.srvlab.io"

	// DefaultMaxVolumesPerNode is the number of volumes a VM can have attached
	DefaultMaxVolumesPerNode = 20

	// DriverVersion is the version of the driver
	// These will be set via ldflags during build
	defaultVersion = "dev"
)

var (
	version   = defaultVersion
	gitCommit = "unknown"
	buildDate = "unknown"
)

// GetVersion returns the version the binary was built with
func GetVersion() string {
	return version
}

// Driver implements the CSI Controller, Node, and Identity services
type Driver struct {
	name    string
	version string
	nodeID  string

	// OpenNebula id of the VM this process runs on. It is the node id and
	// the VM offline expansion attaches unattached images to.
	vmID int

	// CSI services
	ids csi.IdentityServer
	cs  csi.ControllerServer
	ns  csi.NodeServer

	// OpenNebula client (controller only)
	oneClient one.Client

	// Periodic oned reachability check backing Probe (controller only)
	health *one.HealthMonitor

	// Filesystem tools (node only)
	mounter mount.Mounter

	// Kubernetes client (for events, may be nil)
	k8sClient   kubernetes.Interface
	eventPoster *EventPoster

	// Prometheus metrics (may be nil if disabled)
	metrics *observability.Metrics

	// Per-volume stage protection (node only, may be nil)
	stageBreaker *circuitbreaker.StageBreaker

	// Retry policy of attach, detach and resize
	settle utils.SettlePolicy

	defaultVolumeSizeMB int64
	minVolumeSizeMB     int64
	maxVolumesPerNode   int64

	server *NonBlockingGRPCServer
	cancel context.CancelFunc

	// Capabilities
	vcaps  []*csi.VolumeCapability_AccessMode
	cscaps []*csi.ControllerServiceCapability
	nscaps []*csi.NodeServiceCapability
}

// DriverConfig contains configuration for creating a driver instance
type DriverConfig struct {
	DriverName string
	Version    string

	// VMID is the OpenNebula id of the local VM (required)
	VMID int

	// OneClient is the OpenNebula API client (required for controller)
	OneClient one.Client

	// Mounter overrides the filesystem tools of the node service (tests)
	Mounter mount.Mounter

	// Kubernetes client (optional, enables events)
	K8sClient kubernetes.Interface

	// Prometheus metrics (optional, nil to disable)
	Metrics *observability.Metrics

	// Volume sizes in MB (defaults: 1024 and 10)
	DefaultVolumeSizeMB int64
	MinVolumeSizeMB     int64

	// MaxVolumesPerNode is reported by NodeGetInfo (default 20)
	MaxVolumesPerNode int64

	// Settle-wait of VM disk actions (defaults: 30 attempts, 1s step)
	SettleAttempts int
	SettleStep     time.Duration

	// DisableSettleWait makes VM disk actions a single attempt
	DisableSettleWait bool

	// HealthCheckInterval between oned reachability checks (default 30s)
	HealthCheckInterval time.Duration

	// EnableStageCircuitBreaker stops staging a volume after repeated
	// failures. Off by default: every stage then re-reads the device.
	EnableStageCircuitBreaker bool

	// Mode flags
	EnableController bool
	EnableNode       bool
}

// NewDriver creates a new OpenNebula CSI driver
func NewDriver(config DriverConfig) (*Driver, error) {
	if config.DriverName == "" {
		config.DriverName = DriverName
	}
	if config.Version == "" {
		config.Version = version
	}
	if !config.EnableController && !config.EnableNode {
		return nil, fmt.Errorf("at least one of controller or node service must be enabled")
	}
	if config.VMID <= 0 {
		return nil, fmt.Errorf("VM id must be positive, got %d", config.VMID)
	}
	if config.EnableController && config.OneClient == nil {
		return nil, fmt.Errorf("OpenNebula client is required for the controller service")
	}
	if config.DefaultVolumeSizeMB <= 0 {
		config.DefaultVolumeSizeMB = utils.DefaultVolumeSizeMB
	}
	if config.MinVolumeSizeMB <= 0 {
		config.MinVolumeSizeMB = utils.MinVolumeSizeMB
	}
	if config.MaxVolumesPerNode <= 0 {
		config.MaxVolumesPerNode = DefaultMaxVolumesPerNode
	}

	klog.Infof("Driver: %s Version: %s GitCommit: %s BuildDate: %s", config.DriverName, config.Version, gitCommit, buildDate)

	settle := utils.DefaultSettlePolicy()
	if config.SettleAttempts > 0 {
		settle.Attempts = config.SettleAttempts
	}
	if config.SettleStep > 0 {
		settle.Step = config.SettleStep
	}
	if config.DisableSettleWait {
		settle = utils.NoSettle()
	}

	driver := &Driver{
		name:                config.DriverName,
		version:             config.Version,
		nodeID:              strconv.Itoa(config.VMID),
		vmID:                config.VMID,
		k8sClient:           config.K8sClient,
		metrics:             config.Metrics,
		settle:              settle,
		defaultVolumeSizeMB: config.DefaultVolumeSizeMB,
		minVolumeSizeMB:     config.MinVolumeSizeMB,
		maxVolumesPerNode:   config.MaxVolumesPerNode,
	}

	if config.K8sClient != nil {
		driver.eventPoster = NewEventPoster(config.K8sClient, config.Metrics)
	}

	driver.addVolumeCapabilities()

	if config.EnableController {
		driver.oneClient = config.OneClient

		health, err := one.NewHealthMonitor(one.HealthMonitorConfig{
			Client:   config.OneClient,
			Interval: config.HealthCheckInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create health monitor: %w", err)
		}
		driver.health = health

		driver.addControllerServiceCapabilities()
		driver.cs = NewControllerServer(driver)
	}

	if config.EnableNode {
		driver.mounter = config.Mounter
		if driver.mounter == nil {
			driver.mounter = mount.NewMounter(config.Metrics)
		}
		if config.EnableStageCircuitBreaker {
			breakerConfig := circuitbreaker.Config{}
			if config.Metrics != nil {
				breakerConfig.OnStateChange = func(_, state string) {
					config.Metrics.RecordBreakerTransition(state)
				}
			}
			driver.stageBreaker = circuitbreaker.New(breakerConfig)
			klog.Info("Stage circuit breaker enabled")
		}

		driver.addNodeServiceCapabilities()
		driver.ns = NewNodeServer(driver)
	}

	driver.ids = NewIdentityServer(driver)

	return driver, nil
}

// addVolumeCapabilities adds supported volume access modes
func (d *Driver) addVolumeCapabilities() {
	d.vcaps = []*csi.VolumeCapability_AccessMode{
		{
			Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		},
		{
			Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY,
		},
	}
}

// addControllerServiceCapabilities adds controller service capabilities
func (d *Driver) addControllerServiceCapabilities() {
	d.cscaps = []*csi.ControllerServiceCapability{
		{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
				},
			},
		},
		{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
				},
			},
		},
		{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: csi.ControllerServiceCapability_RPC_PUBLISH_READONLY,
				},
			},
		},
		{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: csi.ControllerServiceCapability_RPC_EXPAND_VOLUME,
				},
			},
		},
	}
}

// addNodeServiceCapabilities adds node service capabilities
func (d *Driver) addNodeServiceCapabilities() {
	d.nscaps = []*csi.NodeServiceCapability{
		{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{
					Type: csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
				},
			},
		},
		{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{
					Type: csi.NodeServiceCapability_RPC_EXPAND_VOLUME,
				},
			},
		},
		{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{
					Type: csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
				},
			},
		},
	}
}

// Start starts the gRPC server and the background health checks. It does not
// block.
func (d *Driver) Start(endpoint string) error {
	klog.Infof("Starting OpenNebula CSI driver at endpoint %s", endpoint)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if d.health != nil {
		if err := d.health.Check(ctx); err != nil {
			klog.Warningf("Initial OpenNebula health check failed: %v", err)
		}
		d.health.Start(ctx)
	}

	if d.cs != nil {
		klog.Info("Controller service enabled")
	}
	if d.ns != nil {
		klog.Infof("Node service enabled (node ID %s)", d.nodeID)
	}

	d.server = NewNonBlockingGRPCServer(endpoint, d.metrics)
	if err := d.server.Start(d.ids, d.cs, d.ns); err != nil {
		cancel()
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	klog.Info("Driver initialization complete, server running")
	return nil
}

// Run starts the driver and blocks until the server stops.
func (d *Driver) Run(endpoint string) error {
	if err := d.Start(endpoint); err != nil {
		return err
	}
	d.server.Wait()
	return nil
}

// Stop stops the driver and cleans up resources
func (d *Driver) Stop() {
	klog.Info("Stopping OpenNebula CSI driver")

	if d.server != nil {
		d.server.Stop()
	}
	if d.health != nil && d.cancel != nil {
		d.health.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
}

// NodeID returns the node id reported by NodeGetInfo
func (d *Driver) NodeID() string {
	return d.nodeID
}

// GetMetrics returns the Prometheus metrics instance (may be nil if disabled)
func (d *Driver) GetMetrics() *observability.Metrics {
	return d.metrics
}
