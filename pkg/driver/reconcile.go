package driver

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/one"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/utils"
)

// VM disk actions retried while the VM settles
const (
	actionAttach = "attach"
	actionDetach = "detach"
	actionResize = "resize"
)

// attachConflictError reports an image attached to a VM other than the one
// it should be published to.
type attachConflictError struct {
	imageID    int
	vmID       int
	attachedTo []int
}

func (e *attachConflictError) Error() string {
	return fmt.Sprintf("image %d cannot be attached to VM %d: already attached to VM %v", e.imageID, e.vmID, e.attachedTo)
}

func (e *attachConflictError) Unwrap() error {
	return utils.ErrFailedPrecondition
}

// remoteError classifies a failed OpenNebula call that has no more specific
// meaning for the caller. Context errors keep their identity.
func remoteError(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return utils.Errorf(utils.ErrInternal, "%s: %v", msg, err)
}

// settle runs a VM disk action, retrying while OpenNebula reports the VM in
// the wrong state for it.
func (cs *ControllerServer) settle(ctx context.Context, action string, op func() error) error {
	return utils.RetryTransient(ctx, cs.driver.settle, one.IsWrongState, op, func(attempt int, err error) {
		klog.V(4).Infof("VM not ready for %s (attempt %d): %v", action, attempt, err)
		if cs.driver.metrics != nil {
			cs.driver.metrics.RecordSettleRetry(action)
		}
	})
}

// attachImage attaches an image to a VM. An image already attached to the
// same VM counts as attached.
func (cs *ControllerServer) attachImage(ctx context.Context, vmID, imageID int) error {
	client := cs.driver.oneClient

	err := cs.settle(ctx, actionAttach, func() error {
		return client.AttachDisk(ctx, vmID, imageID)
	})
	if err == nil {
		klog.V(2).Infof("Attached image %d to VM %d", imageID, vmID)
		return nil
	}

	switch {
	case one.IsInUse(err):
		img, gerr := client.GetImage(ctx, imageID)
		if gerr != nil {
			return remoteError(gerr, "image %d is in use and could not be read", imageID)
		}
		if img.AttachedTo(vmID) {
			klog.V(2).Infof("Image %d is already attached to VM %d", imageID, vmID)
			return nil
		}
		return &attachConflictError{imageID: imageID, vmID: vmID, attachedTo: img.VMs}
	case one.IsNotFound(err):
		return utils.Errorf(utils.ErrNotFound, "attaching image %d to VM %d: %v", imageID, vmID, err)
	default:
		return remoteError(err, "failed to attach image %d to VM %d", imageID, vmID)
	}
}

// detachImage detaches an image from a VM. A VM without a disk of the image
// has nothing to detach.
func (cs *ControllerServer) detachImage(ctx context.Context, vmID, imageID int) error {
	client := cs.driver.oneClient

	vm, err := client.GetVM(ctx, vmID)
	if err != nil {
		if one.IsNotFound(err) {
			return utils.Errorf(utils.ErrNotFound, "VM %d does not exist", vmID)
		}
		return remoteError(err, "failed to read VM %d", vmID)
	}

	disk, ok := vm.DiskForImage(imageID)
	if !ok {
		klog.V(2).Infof("Image %d is not attached to VM %d, nothing to detach", imageID, vmID)
		return nil
	}

	err = cs.settle(ctx, actionDetach, func() error {
		return client.DetachDisk(ctx, vmID, disk.DiskID)
	})
	if err != nil {
		if one.IsNotFound(err) {
			return utils.Errorf(utils.ErrNotFound, "detaching image %d from VM %d: %v", imageID, vmID, err)
		}
		return remoteError(err, "failed to detach image %d (disk %d) from VM %d", imageID, disk.DiskID, vmID)
	}

	klog.V(2).Infof("Detached image %d (disk %d) from VM %d", imageID, disk.DiskID, vmID)
	return nil
}

// resizeImage grows the disk of an image attached to a VM.
func (cs *ControllerServer) resizeImage(ctx context.Context, vmID, imageID int, sizeMB int64) error {
	client := cs.driver.oneClient

	vm, err := client.GetVM(ctx, vmID)
	if err != nil {
		if one.IsNotFound(err) {
			return utils.Errorf(utils.ErrNotFound, "VM %d does not exist", vmID)
		}
		return remoteError(err, "failed to read VM %d", vmID)
	}

	disk, ok := vm.DiskForImage(imageID)
	if !ok {
		return utils.Errorf(utils.ErrInternal, "image %d is attached to VM %d but the VM has no disk for it", imageID, vmID)
	}

	err = cs.settle(ctx, actionResize, func() error {
		return client.ResizeDisk(ctx, vmID, disk.DiskID, sizeMB)
	})
	if err != nil {
		switch {
		case one.IsNoSpace(err):
			return utils.Errorf(utils.ErrOutOfRange, "resizing image %d to %d MB: %v", imageID, sizeMB, err)
		case one.IsNotFound(err):
			return utils.Errorf(utils.ErrNotFound, "resizing image %d on VM %d: %v", imageID, vmID, err)
		default:
			return remoteError(err, "failed to resize image %d (disk %d) on VM %d", imageID, disk.DiskID, vmID)
		}
	}

	klog.V(2).Infof("Resized image %d (disk %d) on VM %d to %d MB", imageID, disk.DiskID, vmID, sizeMB)
	return nil
}
