// Package reconciler finds images created by the driver that no
// PersistentVolume refers to any more and removes them.
package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/observability"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/one"
)

const (
	// DefaultOrphanCheckInterval is the default interval between orphan checks
	DefaultOrphanCheckInterval = 1 * time.Hour

	// DefaultOrphanGracePeriod is the minimum age before an image is considered orphaned
	// This prevents premature cleanup of images whose PV is not created yet
	DefaultOrphanGracePeriod = 5 * time.Minute

	// VolumeNamePrefix is the name prefix the external provisioner gives volumes
	VolumeNamePrefix = "pvc-"
)

// OrphanReconcilerConfig contains configuration for the orphan reconciler
type OrphanReconcilerConfig struct {
	// OneClient lists and deletes images
	OneClient one.Client

	// K8sClient is the Kubernetes clientset for listing PVs
	K8sClient kubernetes.Interface

	// DriverName selects the PVs of this driver
	DriverName string

	// CheckInterval is how often to check for orphans
	CheckInterval time.Duration

	// GracePeriod is the minimum age before considering an image orphaned
	GracePeriod time.Duration

	// DryRun if true, will only log orphans without deleting them
	DryRun bool

	// Metrics is optional
	Metrics *observability.Metrics
}

// OrphanReconciler periodically checks for orphaned images and cleans them up
type OrphanReconciler struct {
	config OrphanReconcilerConfig
	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// OrphanedImage is a volume image without a PersistentVolume
type OrphanedImage struct {
	ImageID int
	Name    string
	SizeMB  int64
	Age     time.Duration
}

// NewOrphanReconciler creates a new orphan reconciler
func NewOrphanReconciler(config OrphanReconcilerConfig) (*OrphanReconciler, error) {
	if config.OneClient == nil {
		return nil, fmt.Errorf("OneClient is required")
	}
	if config.K8sClient == nil {
		return nil, fmt.Errorf("K8sClient is required")
	}
	if config.DriverName == "" {
		return nil, fmt.Errorf("DriverName is required")
	}

	if config.CheckInterval == 0 {
		config.CheckInterval = DefaultOrphanCheckInterval
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = DefaultOrphanGracePeriod
	}

	return &OrphanReconciler{
		config: config,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins the reconciliation loop
func (r *OrphanReconciler) Start(ctx context.Context) {
	klog.Infof("Starting orphan reconciler (interval=%v, grace_period=%v, dry_run=%v)",
		r.config.CheckInterval, r.config.GracePeriod, r.config.DryRun)

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop stops the reconciliation loop
func (r *OrphanReconciler) Stop() {
	klog.Info("Stopping orphan reconciler")
	close(r.stopCh)
	r.wg.Wait()
	klog.Info("Orphan reconciler stopped")
}

func (r *OrphanReconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	// Run once immediately on startup
	if _, err := r.Reconcile(ctx); err != nil {
		klog.Errorf("Initial orphan reconciliation failed: %v", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				klog.Errorf("Orphan reconciliation failed: %v", err)
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile performs one reconciliation cycle and returns the orphans found.
func (r *OrphanReconciler) Reconcile(ctx context.Context) ([]OrphanedImage, error) {
	klog.V(2).Info("Starting orphan reconciliation cycle")
	start := r.now()

	images, err := r.config.OneClient.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	pvList, err := r.config.K8sClient.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list Kubernetes PVs: %w", err)
	}

	active := make(map[string]bool)
	for _, pv := range pvList.Items {
		if pv.Spec.CSI != nil && pv.Spec.CSI.Driver == r.config.DriverName {
			active[pv.Spec.CSI.VolumeHandle] = true
		}
	}

	klog.V(3).Infof("Found %d images, %d PVs of %s", len(images), len(active), r.config.DriverName)

	orphans := r.findOrphans(images, active)
	for _, orphan := range orphans {
		r.handleOrphan(ctx, orphan)
	}

	klog.V(2).Infof("Orphan reconciliation cycle complete (duration=%v, orphans=%d)", r.now().Sub(start), len(orphans))
	return orphans, nil
}

// findOrphans returns the unattached volume images, past the grace period,
// whose id is no PV's volume handle
func (r *OrphanReconciler) findOrphans(images []one.Image, active map[string]bool) []OrphanedImage {
	var orphans []OrphanedImage
	for i := range images {
		img := &images[i]

		if !img.IsVolume() || !strings.HasPrefix(img.Name, VolumeNamePrefix) {
			klog.V(5).Infof("Skipping image %d (%s), not created by the driver", img.ID, img.Name)
			continue
		}
		if active[strconv.Itoa(img.ID)] {
			continue
		}
		if len(img.VMs) > 0 {
			klog.V(3).Infof("Image %d (%s) has no PV but is attached to VMs %v, skipping", img.ID, img.Name, img.VMs)
			continue
		}

		// Images without a registration time are treated as old enough
		var age time.Duration
		if img.RegTime.IsZero() {
			age = r.config.GracePeriod
		} else {
			age = r.now().Sub(img.RegTime)
		}
		if age < r.config.GracePeriod {
			klog.V(3).Infof("Orphaned image %d is too young (age=%v, grace=%v), skipping", img.ID, age, r.config.GracePeriod)
			continue
		}

		orphans = append(orphans, OrphanedImage{ImageID: img.ID, Name: img.Name, SizeMB: img.SizeMB, Age: age})
	}

	if len(orphans) == 0 {
		klog.V(2).Info("No orphaned images found")
	} else {
		klog.Warningf("Found %d orphaned images", len(orphans))
	}
	return orphans
}

func (r *OrphanReconciler) handleOrphan(ctx context.Context, orphan OrphanedImage) {
	klog.Warningf("Orphaned image detected: %d (name=%s, size=%d MB, age=%v)",
		orphan.ImageID, orphan.Name, orphan.SizeMB, orphan.Age)
	r.record("detected")

	if r.config.DryRun {
		klog.Infof("[DRY-RUN] Would delete orphaned image: %d", orphan.ImageID)
		return
	}

	err := r.config.OneClient.DeleteImage(ctx, orphan.ImageID)
	switch {
	case err == nil:
		klog.Infof("Deleted orphaned image %d (%s)", orphan.ImageID, orphan.Name)
		r.record("deleted")
	case one.IsNotFound(err):
		klog.V(2).Infof("Orphaned image %d is already gone", orphan.ImageID)
	default:
		klog.Errorf("Failed to delete orphaned image %d: %v", orphan.ImageID, err)
		r.record("failed")
	}
}

func (r *OrphanReconciler) record(action string) {
	if r.config.Metrics != nil {
		r.config.Metrics.RecordOrphanImage(action)
	}
}
