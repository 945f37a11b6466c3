package driver

import (
	"context"
	"errors"
	"strconv"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/one"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/utils"
)

// ControllerServer implements the CSI Controller service
type ControllerServer struct {
	csi.UnimplementedControllerServer
	driver *Driver
}

// NewControllerServer creates a new Controller service
func NewControllerServer(driver *Driver) *ControllerServer {
	return &ControllerServer{
		driver: driver,
	}
}

// CreateVolume allocates a persistent DATABLOCK image. Images are looked up
// by name first, so retries of a request return the image created earlier.
func (cs *ControllerServer) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	name := req.GetName()
	klog.V(2).Infof("CreateVolume called with name: %s", name)

	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "volume name is required")
	}
	if len(req.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities are required")
	}
	if err := cs.validateVolumeCapabilities(req.GetVolumeCapabilities()); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid volume capabilities: %v", err)
	}

	params, err := ParseVolumeParams(req.GetParameters())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid parameters: %v", err)
	}

	sizeMB := utils.VolumeSizeMB(
		req.GetCapacityRange().GetRequiredBytes(),
		req.GetCapacityRange().GetLimitBytes(),
		cs.driver.minVolumeSizeMB,
		cs.driver.defaultVolumeSizeMB,
	)

	images, err := cs.driver.oneClient.ListImages(ctx)
	if err != nil {
		return nil, remoteError(err, "failed to list images")
	}
	for _, img := range images {
		if img.Name != name {
			continue
		}
		if img.SizeMB != sizeMB {
			return nil, status.Errorf(codes.AlreadyExists,
				"volume %s already exists as image %d with size %d MB, requested %d MB", name, img.ID, img.SizeMB, sizeMB)
		}
		klog.V(2).Infof("Volume %s already exists as image %d, returning existing volume", name, img.ID)
		return createVolumeResponse(img.ID, img.SizeMB, params), nil
	}

	klog.V(2).Infof("Allocating image %s (size: %d MB, datastore: %d)", name, sizeMB, params.DatastoreID)
	imageID, err := cs.driver.oneClient.AllocateImage(ctx, one.ImageSpec{
		Name:        name,
		SizeMB:      sizeMB,
		DatastoreID: params.DatastoreID,
	})
	if err != nil {
		if one.IsNoSpace(err) {
			return nil, status.Errorf(codes.OutOfRange, "datastore %d cannot hold %d MB: %v", params.DatastoreID, sizeMB, err)
		}
		return nil, remoteError(err, "failed to allocate image %s", name)
	}

	klog.V(2).Infof("Created volume %s as image %d (%d MB)", name, imageID, sizeMB)
	return createVolumeResponse(imageID, sizeMB, params), nil
}

func createVolumeResponse(imageID int, sizeMB int64, params VolumeParams) *csi.CreateVolumeResponse {
	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:      utils.VolumeID(imageID),
			CapacityBytes: utils.MBToBytes(sizeMB),
			VolumeContext: params.VolumeContext(),
		},
	}
}

// DeleteVolume deletes the image of a volume
func (cs *ControllerServer) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	klog.V(2).Infof("DeleteVolume called for volume: %s", volumeID)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}

	imageID, err := utils.ParseVolumeID(volumeID)
	if err != nil {
		klog.V(2).Infof("Volume %s is not an image id, nothing to delete", volumeID)
		return &csi.DeleteVolumeResponse{}, nil
	}

	if err := cs.driver.oneClient.DeleteImage(ctx, imageID); err != nil {
		switch {
		case one.IsNotFound(err):
			klog.V(2).Infof("Image %d does not exist, assuming already deleted", imageID)
			return &csi.DeleteVolumeResponse{}, nil
		case one.IsInUse(err):
			return nil, status.Errorf(codes.FailedPrecondition, "volume %s is still attached: %v", volumeID, err)
		default:
			return nil, remoteError(err, "failed to delete image %d", imageID)
		}
	}

	klog.V(2).Infof("Deleted volume %s", volumeID)
	return &csi.DeleteVolumeResponse{}, nil
}

// ValidateVolumeCapabilities confirms the mount capabilities a volume supports
func (cs *ControllerServer) ValidateVolumeCapabilities(ctx context.Context, req *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	volumeID := req.GetVolumeId()
	klog.V(4).Infof("ValidateVolumeCapabilities called for volume: %s", volumeID)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if len(req.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities are required")
	}

	imageID, err := utils.ParseVolumeID(volumeID)
	if err != nil {
		return nil, err
	}

	img, err := cs.driver.oneClient.GetImage(ctx, imageID)
	if err != nil {
		if one.IsNotFound(err) {
			return nil, status.Errorf(codes.NotFound, "volume %s not found", volumeID)
		}
		return nil, remoteError(err, "failed to read image %d", imageID)
	}
	if !img.IsVolume() {
		return nil, status.Errorf(codes.FailedPrecondition,
			"image %d is not a persistent DATABLOCK image (type %s, persistent %v)", imageID, img.Type, img.Persistent)
	}

	var confirmed []*csi.VolumeCapability
	for _, c := range req.GetVolumeCapabilities() {
		if c.GetMount() != nil && cs.isSupportedAccessMode(c.GetAccessMode()) {
			confirmed = append(confirmed, c)
		}
	}
	if len(confirmed) == 0 {
		return &csi.ValidateVolumeCapabilitiesResponse{
			Message: "no requested capability is supported",
		}, nil
	}

	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeContext:      req.GetVolumeContext(),
			VolumeCapabilities: confirmed,
			Parameters:         req.GetParameters(),
		},
	}, nil
}

// ControllerGetCapabilities returns the capabilities of the controller service
func (cs *ControllerServer) ControllerGetCapabilities(ctx context.Context, req *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	klog.V(5).Info("ControllerGetCapabilities called")

	return &csi.ControllerGetCapabilitiesResponse{
		Capabilities: cs.driver.cscaps,
	}, nil
}

// ControllerPublishVolume attaches the image to the VM of the node and
// returns the device path the disk appears at.
func (cs *ControllerServer) ControllerPublishVolume(ctx context.Context, req *csi.ControllerPublishVolumeRequest) (*csi.ControllerPublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	nodeID := req.GetNodeId()
	klog.V(2).Infof("ControllerPublishVolume called for volume %s to node %s (readonly: %v)", volumeID, nodeID, req.GetReadonly())

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if nodeID == "" {
		return nil, status.Error(codes.InvalidArgument, "node ID is required")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}

	vmID, err := utils.ParseNodeID(nodeID)
	if err != nil {
		return nil, err
	}
	imageID, err := utils.ParseVolumeID(volumeID)
	if err != nil {
		return nil, err
	}

	if err := cs.attachImage(ctx, vmID, imageID); err != nil {
		var conflict *attachConflictError
		if errors.As(err, &conflict) {
			cs.postAttachConflictEvent(ctx, req, conflict.attachedTo)
		}
		return nil, err
	}

	vm, err := cs.driver.oneClient.GetVM(ctx, vmID)
	if err != nil {
		return nil, remoteError(err, "failed to read VM %d after attaching image %d", vmID, imageID)
	}
	disk, ok := vm.DiskForImage(imageID)
	if !ok {
		return nil, status.Errorf(codes.Internal,
			"OpenNebula attached image %d to VM %d but the VM has no disk for it", imageID, vmID)
	}

	klog.V(2).Infof("Published volume %s to node %s at %s", volumeID, nodeID, disk.DevicePath())
	return &csi.ControllerPublishVolumeResponse{
		PublishContext: map[string]string{
			publishContextReadonly:   strconv.FormatBool(req.GetReadonly()),
			publishContextDevicePath: disk.DevicePath(),
		},
	}, nil
}

// ControllerUnpublishVolume detaches the image from the VM of the node
func (cs *ControllerServer) ControllerUnpublishVolume(ctx context.Context, req *csi.ControllerUnpublishVolumeRequest) (*csi.ControllerUnpublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	nodeID := req.GetNodeId()
	klog.V(2).Infof("ControllerUnpublishVolume called for volume %s from node %s", volumeID, nodeID)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if nodeID == "" {
		klog.V(2).Infof("No node given for volume %s, nothing to detach", volumeID)
		return &csi.ControllerUnpublishVolumeResponse{}, nil
	}

	vmID, err := utils.ParseNodeID(nodeID)
	if err != nil {
		return nil, err
	}
	imageID, err := utils.ParseVolumeID(volumeID)
	if err != nil {
		klog.V(2).Infof("Volume %s is not an image id, nothing to detach", volumeID)
		return &csi.ControllerUnpublishVolumeResponse{}, nil
	}

	if err := cs.detachImage(ctx, vmID, imageID); err != nil {
		return nil, err
	}

	klog.V(2).Infof("Unpublished volume %s from node %s", volumeID, nodeID)
	return &csi.ControllerUnpublishVolumeResponse{}, nil
}

// ControllerExpandVolume grows the image of a volume. An attached image is
// resized online on its VM and the node must grow the filesystem; an
// unattached image is attached to the controller VM, resized and detached.
func (cs *ControllerServer) ControllerExpandVolume(ctx context.Context, req *csi.ControllerExpandVolumeRequest) (*csi.ControllerExpandVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	klog.V(2).Infof("ControllerExpandVolume called for volume: %s", volumeID)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.GetCapacityRange() == nil {
		return nil, status.Error(codes.InvalidArgument, "capacity range is required")
	}

	imageID, err := utils.ParseVolumeID(volumeID)
	if err != nil {
		return nil, err
	}

	sizeMB := utils.VolumeSizeMB(
		req.GetCapacityRange().GetRequiredBytes(),
		req.GetCapacityRange().GetLimitBytes(),
		cs.driver.minVolumeSizeMB,
		cs.driver.defaultVolumeSizeMB,
	)

	img, err := cs.driver.oneClient.GetImage(ctx, imageID)
	if err != nil {
		if one.IsNotFound(err) {
			return nil, status.Errorf(codes.NotFound, "volume %s not found", volumeID)
		}
		return nil, remoteError(err, "failed to read image %d", imageID)
	}

	if img.SizeMB >= sizeMB {
		klog.V(2).Infof("Volume %s already has %d MB (requested %d MB)", volumeID, img.SizeMB, sizeMB)
		return &csi.ControllerExpandVolumeResponse{
			CapacityBytes:         utils.MBToBytes(img.SizeMB),
			NodeExpansionRequired: false,
		}, nil
	}

	if len(img.VMs) > 0 {
		vmID := img.VMs[0]
		klog.V(2).Infof("Volume %s is attached to VM %d, resizing online to %d MB", volumeID, vmID, sizeMB)
		if err := cs.resizeImage(ctx, vmID, imageID, sizeMB); err != nil {
			return nil, err
		}
		return &csi.ControllerExpandVolumeResponse{
			CapacityBytes:         utils.MBToBytes(sizeMB),
			NodeExpansionRequired: true,
		}, nil
	}

	ownVM := cs.driver.vmID
	klog.V(2).Infof("Volume %s is not attached, resizing offline to %d MB via VM %d", volumeID, sizeMB, ownVM)
	if err := cs.attachImage(ctx, ownVM, imageID); err != nil {
		return nil, err
	}
	if err := cs.resizeImage(ctx, ownVM, imageID, sizeMB); err != nil {
		if derr := cs.detachImage(ctx, ownVM, imageID); derr != nil {
			klog.Warningf("Failed to detach image %d from VM %d after failed resize: %v", imageID, ownVM, derr)
		}
		return nil, err
	}
	if err := cs.detachImage(ctx, ownVM, imageID); err != nil {
		return nil, err
	}

	cs.postOfflineExpansionEvent(ctx, volumeID, sizeMB)
	return &csi.ControllerExpandVolumeResponse{
		CapacityBytes:         utils.MBToBytes(sizeMB),
		NodeExpansionRequired: false,
	}, nil
}

// validateVolumeCapabilities checks the capabilities of a CreateVolume
// request. Only filesystem volumes with single-node access are supported.
func (cs *ControllerServer) validateVolumeCapabilities(caps []*csi.VolumeCapability) error {
	for _, c := range caps {
		if c == nil {
			return status.Error(codes.InvalidArgument, "volume capability is nil")
		}
		if c.GetBlock() != nil {
			return status.Error(codes.InvalidArgument, "block access type is not supported")
		}
		if c.GetMount() == nil {
			return status.Error(codes.InvalidArgument, "access type is required")
		}
		if !cs.isSupportedAccessMode(c.GetAccessMode()) {
			return status.Errorf(codes.InvalidArgument, "access mode %v is not supported", c.GetAccessMode().GetMode())
		}
	}
	return nil
}

func (cs *ControllerServer) isSupportedAccessMode(mode *csi.VolumeCapability_AccessMode) bool {
	if mode == nil {
		return false
	}
	for _, m := range cs.driver.vcaps {
		if m.GetMode() == mode.GetMode() {
			return true
		}
	}
	return false
}

// postAttachConflictEvent posts a K8s event for an attachment conflict.
// Best effort - failures are logged but don't affect the main operation.
func (cs *ControllerServer) postAttachConflictEvent(ctx context.Context, req *csi.ControllerPublishVolumeRequest, attachedTo []int) {
	if cs.driver.eventPoster == nil {
		return
	}
	namespace, name, ok := pvcFromContext(req.GetVolumeContext())
	if !ok {
		klog.V(4).Infof("Cannot post attach conflict event: PVC info not in volume context")
		return
	}
	cs.driver.eventPoster.PostAttachConflict(ctx, namespace, name, req.GetVolumeId(), req.GetNodeId(), attachedTo)
}

// postOfflineExpansionEvent posts a K8s event after an offline resize. The
// request carries no volume context, so the claim is found through the PV
// whose CSI volume handle is the volume id.
func (cs *ControllerServer) postOfflineExpansionEvent(ctx context.Context, volumeID string, sizeMB int64) {
	if cs.driver.eventPoster == nil {
		return
	}

	pvs, err := cs.driver.k8sClient.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		klog.V(4).Infof("Cannot list PVs for offline expansion event: %v", err)
		return
	}
	for _, pv := range pvs.Items {
		if pv.Spec.CSI == nil || pv.Spec.CSI.Driver != cs.driver.name || pv.Spec.CSI.VolumeHandle != volumeID {
			continue
		}
		if pv.Spec.ClaimRef == nil {
			klog.V(4).Infof("PV %s has no claimRef for offline expansion event", pv.Name)
			return
		}
		cs.driver.eventPoster.PostOfflineExpansion(ctx, pv.Spec.ClaimRef.Namespace, pv.Spec.ClaimRef.Name, volumeID, sizeMB, cs.driver.vmID)
		return
	}
	klog.V(4).Infof("No PV found for volume %s", volumeID)
}
