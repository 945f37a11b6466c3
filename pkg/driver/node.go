package driver

import (
	"context"
	"errors"
	"os"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/mount"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/utils"
)

const (
	// Default filesystem type if not specified
	defaultFSType = "ext4"

	// Options every staging mount gets
	mountOptionDiscard = "discard"
	mountOptionRO      = "ro"
	mountOptionRW      = "rw"
)

// NodeServer implements the CSI Node service
type NodeServer struct {
	csi.UnimplementedNodeServer
	driver  *Driver
	mounter mount.Mounter
	nodeID  string
}

// NewNodeServer creates a new Node service
func NewNodeServer(driver *Driver) *NodeServer {
	return &NodeServer{
		driver:  driver,
		mounter: driver.mounter,
		nodeID:  driver.nodeID,
	}
}

func accessMode(readonly bool) string {
	if readonly {
		return mountOptionRO
	}
	return mountOptionRW
}

// NodeStageVolume prepares the attached disk at the staging path:
// 1. Formatting the device if it has no filesystem
// 2. Checking and growing an existing filesystem
// 3. Mounting it to the staging path
func (ns *NodeServer) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	stagingPath := req.GetStagingTargetPath()

	klog.V(2).Infof("NodeStageVolume called for volume: %s, staging path: %s", volumeID, stagingPath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}
	volCap := req.GetVolumeCapability()
	if volCap == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}
	if volCap.GetBlock() != nil {
		return nil, status.Error(codes.InvalidArgument, "block access type is not supported")
	}
	if volCap.GetMount() == nil {
		return nil, status.Error(codes.InvalidArgument, "mount access type is required")
	}
	device := req.GetPublishContext()[publishContextDevicePath]
	if device == "" {
		return nil, status.Errorf(codes.InvalidArgument, "publish context is missing %s", publishContextDevicePath)
	}

	fsType := volCap.GetMount().GetFsType()
	if fsType == "" {
		fsType = defaultFSType
	}
	flags := volCap.GetMount().GetMountFlags()
	options := append([]string{
		mountOptionDiscard,
		accessMode(req.GetPublishContext()[publishContextReadonly] == "true"),
	}, flags...)

	stage := func() error {
		return ns.stageDevice(ctx, device, stagingPath, fsType, options, len(flags) > 0)
	}

	var err error
	if breaker := ns.driver.stageBreaker; breaker != nil {
		ns.checkBreakerReset(ctx, volumeID, req.GetVolumeContext())
		err = breaker.Execute(volumeID, stage)
	} else {
		err = stage()
	}
	if err != nil {
		if utils.Code(err) == codes.Internal {
			ns.postStageFailureEvent(ctx, req, err)
		}
		return nil, err
	}

	klog.V(2).Infof("Staged volume %s (%s) at %s", volumeID, device, stagingPath)
	return &csi.NodeStageVolumeResponse{}, nil
}

// stageDevice formats, checks, grows and mounts device. A device already
// mounted at stagingPath with the requested options is left alone.
func (ns *NodeServer) stageDevice(ctx context.Context, device, stagingPath, fsType string, options []string, customFlags bool) error {
	isBlock, err := ns.mounter.IsBlockDevice(device)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to inspect device %s: %v", device, err)
	}
	if !isBlock {
		return status.Errorf(codes.NotFound, "device %s is not a block device on this node", device)
	}

	mounts, err := ns.mounter.ListMounts(ctx)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to list mounts: %v", err)
	}

	if mi, ok := mount.FindBySource(mounts, device); ok {
		if mi.Target != stagingPath {
			return status.Errorf(codes.AlreadyExists, "device %s is already mounted at %s", device, mi.Target)
		}
		if customFlags && !mi.HasOptions(options) {
			return status.Errorf(codes.AlreadyExists,
				"device %s is mounted at %s with options %v, requested %v", device, stagingPath, mi.OptionList(), options)
		}
		klog.V(2).Infof("Device %s is already mounted at %s", device, stagingPath)
		return nil
	}

	existing, err := ns.mounter.GetFilesystem(ctx, device)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to detect filesystem on %s: %v", device, err)
	}

	switch {
	case existing == "":
		klog.V(2).Infof("Device %s has no filesystem, formatting with %s", device, fsType)
		if err := ns.mounter.Format(ctx, device, fsType); err != nil {
			return status.Errorf(codes.Internal, "failed to format %s: %v", device, err)
		}
	case existing != fsType:
		return status.Errorf(codes.AlreadyExists, "device %s is formatted with %s, requested %s", device, existing, fsType)
	default:
		if err := ns.mounter.Check(ctx, device); err != nil {
			return status.Errorf(codes.Internal, "filesystem check of %s failed: %v", device, err)
		}
		if err := ns.mounter.Resize(ctx, device, fsType); err != nil {
			return status.Errorf(codes.Internal, "failed to grow filesystem on %s: %v", device, err)
		}
	}

	if err := os.MkdirAll(stagingPath, 0750); err != nil {
		return status.Errorf(codes.Internal, "failed to create staging path %s: %v", stagingPath, err)
	}
	if err := ns.mounter.Mount(ctx, device, stagingPath, fsType, options); err != nil {
		return status.Errorf(codes.Internal, "failed to mount %s at %s: %v", device, stagingPath, err)
	}
	return nil
}

// NodeUnstageVolume unmounts the staging path
func (ns *NodeServer) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	stagingPath := req.GetStagingTargetPath()

	klog.V(2).Infof("NodeUnstageVolume called for volume: %s, staging path: %s", volumeID, stagingPath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}

	mounts, err := ns.mounter.ListMounts(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list mounts: %v", err)
	}

	if _, ok := mount.FindByTarget(mounts, stagingPath); !ok {
		klog.V(2).Infof("Nothing mounted at %s, volume %s already unstaged", stagingPath, volumeID)
		ns.forgetBreaker(volumeID)
		return &csi.NodeUnstageVolumeResponse{}, nil
	}

	if err := ns.mounter.Unmount(ctx, stagingPath); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to unmount %s: %v", stagingPath, err)
	}
	ns.forgetBreaker(volumeID)

	klog.V(2).Infof("Unstaged volume %s from %s", volumeID, stagingPath)
	return &csi.NodeUnstageVolumeResponse{}, nil
}

// NodePublishVolume bind-mounts the staging path to the target path
func (ns *NodeServer) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()
	stagingPath := req.GetStagingTargetPath()

	klog.V(2).Infof("NodePublishVolume called for volume: %s, target: %s", volumeID, targetPath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}
	if stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}
	volCap := req.GetVolumeCapability()
	if volCap == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}
	if volCap.GetBlock() != nil {
		return nil, status.Error(codes.InvalidArgument, "block access type is not supported")
	}

	if err := os.MkdirAll(targetPath, 0750); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create target path %s: %v", targetPath, err)
	}

	mounted, err := ns.mounter.IsMountPoint(targetPath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check target path %s: %v", targetPath, err)
	}
	if mounted {
		klog.V(2).Infof("Volume %s is already published at %s", volumeID, targetPath)
		return &csi.NodePublishVolumeResponse{}, nil
	}

	options := append([]string{accessMode(req.GetReadonly())}, volCap.GetMount().GetMountFlags()...)
	if err := ns.mounter.BindMount(ctx, stagingPath, targetPath, options); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to bind mount %s to %s: %v", stagingPath, targetPath, err)
	}

	klog.V(2).Infof("Published volume %s at %s", volumeID, targetPath)
	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume unmounts and removes the target path
func (ns *NodeServer) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()

	klog.V(2).Infof("NodeUnpublishVolume called for volume: %s, target: %s", volumeID, targetPath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	mounted, err := ns.mounter.IsMountPoint(targetPath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check target path %s: %v", targetPath, err)
	}
	if mounted {
		if err := ns.mounter.Unmount(ctx, targetPath); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to unmount %s: %v", targetPath, err)
		}
	}

	if err := os.Remove(targetPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, status.Errorf(codes.Internal, "failed to remove target path %s: %v", targetPath, err)
	}

	klog.V(2).Infof("Unpublished volume %s from %s", volumeID, targetPath)
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeGetVolumeStats returns capacity and inode usage of a published volume
func (ns *NodeServer) NodeGetVolumeStats(ctx context.Context, req *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	volumeID := req.GetVolumeId()
	volumePath := req.GetVolumePath()

	klog.V(4).Infof("NodeGetVolumeStats called for volume: %s, path: %s", volumeID, volumePath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if volumePath == "" {
		return nil, status.Error(codes.InvalidArgument, "volume path is required")
	}

	if _, err := os.Stat(volumePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "volume path %s does not exist", volumePath)
		}
		return nil, status.Errorf(codes.Internal, "failed to stat %s: %v", volumePath, err)
	}

	mounted, err := ns.mounter.IsMountPoint(volumePath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check volume path %s: %v", volumePath, err)
	}
	if !mounted {
		return nil, status.Errorf(codes.NotFound, "volume %s is not mounted at %s", volumeID, volumePath)
	}

	stats, err := ns.mounter.GetDeviceStats(volumePath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get stats of %s: %v", volumePath, err)
	}

	return &csi.NodeGetVolumeStatsResponse{
		Usage: []*csi.VolumeUsage{
			{
				Unit:      csi.VolumeUsage_BYTES,
				Total:     stats.TotalBytes,
				Used:      stats.UsedBytes,
				Available: stats.AvailableBytes,
			},
			{
				Unit:      csi.VolumeUsage_INODES,
				Total:     stats.TotalInodes,
				Used:      stats.UsedInodes,
				Available: stats.AvailableInodes,
			},
		},
	}, nil
}

// NodeGetCapabilities returns the capabilities of the node service
func (ns *NodeServer) NodeGetCapabilities(ctx context.Context, req *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	klog.V(5).Info("NodeGetCapabilities called")

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: ns.driver.nscaps,
	}, nil
}

// NodeGetInfo returns the VM id as node id
func (ns *NodeServer) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	klog.V(5).Info("NodeGetInfo called")

	return &csi.NodeGetInfoResponse{
		NodeId:            ns.nodeID,
		MaxVolumesPerNode: ns.driver.maxVolumesPerNode,
	}, nil
}

// NodeExpandVolume grows the filesystem of a staged volume to the size of
// its device.
func (ns *NodeServer) NodeExpandVolume(ctx context.Context, req *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	stagingPath := req.GetStagingTargetPath()
	volumePath := req.GetVolumePath()

	klog.V(2).Infof("NodeExpandVolume called for volume: %s, staging path: %s, volume path: %s", volumeID, stagingPath, volumePath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if stagingPath == "" && volumePath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path or volume path is required")
	}

	mounts, err := ns.mounter.ListMounts(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list mounts: %v", err)
	}

	var (
		mi    mount.MountInfo
		found bool
	)
	for _, p := range []string{stagingPath, volumePath} {
		if p == "" {
			continue
		}
		if mi, found = mount.FindByTarget(mounts, p); found {
			break
		}
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "volume %s is not mounted at %s or %s", volumeID, stagingPath, volumePath)
	}

	if err := ns.mounter.Resize(ctx, mi.Source, mi.FSType); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to grow filesystem on %s: %v", mi.Source, err)
	}

	klog.V(2).Infof("Expanded filesystem of volume %s on %s", volumeID, mi.Source)
	return &csi.NodeExpandVolumeResponse{
		CapacityBytes: req.GetCapacityRange().GetRequiredBytes(),
	}, nil
}

// forgetBreaker drops the stage circuit of an unstaged volume
func (ns *NodeServer) forgetBreaker(volumeID string) {
	if ns.driver.stageBreaker != nil {
		ns.driver.stageBreaker.Forget(volumeID)
	}
}

// checkBreakerReset resets the stage circuit breaker of a volume when its
// PVC carries the reset annotation.
func (ns *NodeServer) checkBreakerReset(ctx context.Context, volumeID string, volumeContext map[string]string) {
	if ns.driver.k8sClient == nil {
		return
	}
	namespace, name, ok := pvcFromContext(volumeContext)
	if !ok {
		return
	}
	pvc, err := ns.driver.k8sClient.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		klog.V(4).Infof("Cannot read PVC %s/%s for circuit breaker reset: %v", namespace, name, err)
		return
	}
	ns.driver.stageBreaker.ResetIfAnnotated(volumeID, pvc.Annotations)
}

// postStageFailureEvent posts a K8s event for a failed stage.
// Best effort - failures are logged but don't affect the main operation.
func (ns *NodeServer) postStageFailureEvent(ctx context.Context, req *csi.NodeStageVolumeRequest, cause error) {
	if ns.driver.eventPoster == nil {
		return
	}
	namespace, name, ok := pvcFromContext(req.GetVolumeContext())
	if !ok {
		klog.V(4).Infof("Cannot post stage failure event: PVC info not in volume context")
		return
	}
	ns.driver.eventPoster.PostStageFailure(ctx, namespace, name, req.GetVolumeId(), ns.nodeID, cause)
}
