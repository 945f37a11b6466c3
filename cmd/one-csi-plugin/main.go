package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/driver"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/mount"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/observability"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/one"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/reconciler"
)

var (
	opts options

	driverName = flag.String("driver-name", driver.DriverName, "Name of the CSI driver")

	// Mode flags
	controllerMode = flag.Bool("controller", false, "Run the controller service")
	nodeMode       = flag.Bool("node", false, "Run the node service")

	// OpenNebula API client
	apiTimeout   = flag.Duration("one-api-timeout", 30*time.Second, "Timeout of a single OpenNebula API call")
	apiRateLimit = flag.Float64("one-api-rate-limit", 0, "Maximum OpenNebula API calls per second (0 disables limiting)")
	apiWait      = flag.Duration("one-api-wait", 2*time.Minute, "How long to wait for the OpenNebula API at startup")

	// Volume behaviour
	maxVolumesPerNode = flag.Int64("max-volumes-per-node", driver.DefaultMaxVolumesPerNode, "Maximum number of volumes attached to a node")
	noSettle          = flag.Bool("no-settle-wait", false, "Do not retry VM disk actions while the VM is busy; fail and let the orchestrator retry")
	stageBreaker      = flag.Bool("stage-circuit-breaker", false, "Stop retrying the staging of a volume after repeated filesystem failures")

	// Orphan reconciler
	orphanReconcile = flag.Bool("orphan-reconcile", false, "Periodically delete volume images no PersistentVolume refers to (controller only)")
	orphanInterval  = flag.Duration("orphan-check-interval", reconciler.DefaultOrphanCheckInterval, "Interval between orphan checks")
	orphanGrace     = flag.Duration("orphan-grace-period", reconciler.DefaultOrphanGracePeriod, "Minimum image age before it is considered orphaned")
	orphanDryRun    = flag.Bool("orphan-dry-run", true, "Only log orphaned images instead of deleting them")

	// Ambient
	metricsAddress = flag.String("metrics-address", "", "Address to serve Prometheus metrics on (empty disables)")
	postEvents     = flag.Bool("post-events", true, "Post events to PVCs through the in-cluster Kubernetes API")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func init() {
	flag.StringVar(&opts.csiEndpoint, "csi-endpoint", "unix:///run/csi/sock", "CSI endpoint (env "+envCSIEndpoint+")")
	flag.StringVar(&opts.apiEndpoint, "one-api-endpoint", "", "OpenNebula XML-RPC endpoint (env "+envAPIEndpoint+")")
	flag.StringVar(&opts.apiUsername, "one-api-username", "", "OpenNebula user (env "+envAPIUsername+")")
	flag.StringVar(&opts.apiPassword, "one-api-password", "", "OpenNebula password or token (env "+envAPIPassword+")")
	flag.IntVar(&opts.vmID, "one-vm-id", 0, "OpenNebula id of the VM this process runs on")
	flag.StringVar(&opts.vmIDPath, "one-vm-id-path", "/var/lib/cloud/vm-id", "File holding the VM id if --one-vm-id is not set")
	flag.StringVar(&opts.defaultVolumeSize, "default-volume-size", "1GB", "Size of volumes requested without a capacity range")
	flag.StringVar(&opts.minVolumeSize, "min-volume-size", "10MB", "Smallest volume allocated")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *showVersion {
		fmt.Println(driver.DriverName, driver.GetVersion())
		os.Exit(0)
	}

	if err := run(); err != nil {
		klog.Fatal(err)
	}
}

func run() error {
	if !*controllerMode && !*nodeMode {
		return errors.New("must specify at least one of --controller or --node")
	}

	opts.loadEnv()

	vmID, err := opts.resolveVMID()
	if err != nil {
		return fmt.Errorf("cannot determine the VM id: %w", err)
	}
	defaultMB, err := sizeMB("default-volume-size", opts.defaultVolumeSize)
	if err != nil {
		return err
	}
	minMB, err := sizeMB("min-volume-size", opts.minVolumeSize)
	if err != nil {
		return err
	}

	var metrics *observability.Metrics
	if *metricsAddress != "" {
		metrics = observability.NewMetrics()
		go serveMetrics(*metricsAddress, metrics)
	}

	var oneClient one.Client
	if *controllerMode {
		oneClient, err = one.NewClient(one.ClientConfig{
			Endpoint:  opts.apiEndpoint,
			Username:  opts.apiUsername,
			Password:  opts.apiPassword,
			Timeout:   *apiTimeout,
			RateLimit: *apiRateLimit,
			Metrics:   metrics,
		})
		if err != nil {
			return fmt.Errorf("failed to create OpenNebula client: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), *apiWait)
		version, err := one.WaitForAPI(ctx, oneClient, *apiWait)
		cancel()
		if err != nil {
			return err
		}
		klog.Infof("Connected to OpenNebula %s at %s", version, opts.apiEndpoint)
	}

	var k8sClient kubernetes.Interface
	if *postEvents || *orphanReconcile {
		k8sClient = inClusterClient()
	}

	config := driver.DriverConfig{
		DriverName:                *driverName,
		VMID:                      vmID,
		OneClient:                 oneClient,
		Mounter:                   mount.NewMounter(metrics),
		Metrics:                   metrics,
		DefaultVolumeSizeMB:       defaultMB,
		MinVolumeSizeMB:           minMB,
		MaxVolumesPerNode:         *maxVolumesPerNode,
		EnableStageCircuitBreaker: *stageBreaker,
		EnableController:          *controllerMode,
		EnableNode:                *nodeMode,
	}
	config.DisableSettleWait = *noSettle
	if *postEvents {
		config.K8sClient = k8sClient
	}

	klog.Info("Creating OpenNebula CSI driver")
	drv, err := driver.NewDriver(config)
	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}

	klog.Infof("Starting driver in modes: controller=%v node=%v (VM %d)", *controllerMode, *nodeMode, vmID)
	if err := drv.Start(opts.csiEndpoint); err != nil {
		return err
	}

	var orphans *reconciler.OrphanReconciler
	if *controllerMode && *orphanReconcile {
		if k8sClient == nil {
			drv.Stop()
			return errors.New("--orphan-reconcile needs the in-cluster Kubernetes API")
		}
		orphans, err = reconciler.NewOrphanReconciler(reconciler.OrphanReconcilerConfig{
			OneClient:     oneClient,
			K8sClient:     k8sClient,
			DriverName:    *driverName,
			CheckInterval: *orphanInterval,
			GracePeriod:   *orphanGrace,
			DryRun:        *orphanDryRun,
			Metrics:       metrics,
		})
		if err != nil {
			drv.Stop()
			return fmt.Errorf("failed to create orphan reconciler: %w", err)
		}
		orphans.Start(context.Background())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	klog.Infof("Received signal %s, shutting down", sig)
	if orphans != nil {
		orphans.Stop()
	}
	drv.Stop()
	return nil
}

// inClusterClient returns a Kubernetes client when running inside a
// cluster, nil otherwise.
func inClusterClient() kubernetes.Interface {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		klog.Warningf("Not running in a cluster, Kubernetes features disabled: %v", err)
		return nil
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		klog.Warningf("Failed to create Kubernetes client, Kubernetes features disabled: %v", err)
		return nil
	}
	return client
}

func serveMetrics(address string, metrics *observability.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	klog.Infof("Serving metrics on %s/metrics", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		klog.Errorf("Metrics server stopped: %v", err)
	}
}
