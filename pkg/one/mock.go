package one

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory implementation of Client for testing. It follows
// the image and VM semantics of oned closely enough for the driver's
// reconciliation logic to be exercised, and supports injecting failures.
type MockClient struct {
	mu          sync.RWMutex
	images      map[int]*Image
	vms         map[int]*VM
	nextImageID int
	freeMB      int64 // <0 means unlimited
	version     string

	faults map[string][]error
	calls  map[string]int
}

// NewMockClient creates a new MockClient for testing
func NewMockClient() *MockClient {
	return &MockClient{
		images:      make(map[int]*Image),
		vms:         make(map[int]*VM),
		nextImageID: 100,
		freeMB:      -1,
		version:     "6.8.0",
		faults:      make(map[string][]error),
		calls:       make(map[string]int),
	}
}

// AddImage adds an image to the mock (test helper)
func (m *MockClient) AddImage(img Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := img
	cp.VMs = append([]int(nil), img.VMs...)
	m.images[img.ID] = &cp
	if img.ID >= m.nextImageID {
		m.nextImageID = img.ID + 1
	}
}

// AddVM adds a VM to the mock (test helper)
func (m *MockClient) AddVM(vmID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vms[vmID] = &VM{ID: vmID, Name: fmt.Sprintf("vm-%d", vmID), State: 3, LCMState: 3}
}

// Image returns a copy of an image (test helper)
func (m *MockClient) Image(imageID int) (Image, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[imageID]
	if !ok {
		return Image{}, false
	}
	cp := *img
	cp.VMs = append([]int(nil), img.VMs...)
	return cp, true
}

// VM returns a copy of a VM (test helper)
func (m *MockClient) VM(vmID int) (VM, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vm, ok := m.vms[vmID]
	if !ok {
		return VM{}, false
	}
	cp := *vm
	cp.Disks = append([]Disk(nil), vm.Disks...)
	return cp, true
}

// SetVersion sets the version reported by Version (test helper)
func (m *MockClient) SetVersion(version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = version
}

// ImageCount returns the number of images (test helper)
func (m *MockClient) ImageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.images)
}

// SetFreeSpace limits the datastore capacity in MB (test helper)
func (m *MockClient) SetFreeSpace(mb int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeMB = mb
}

// FailNext makes the next len(errs) calls of method (a Client method name,
// e.g. "AttachDisk") return the given errors in order (test helper)
func (m *MockClient) FailNext(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = append(m.faults[method], errs...)
}

// FailTimes makes the next n calls of method return err (test helper)
func (m *MockClient) FailTimes(method string, err error, n int) {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	m.FailNext(method, errs...)
}

// Calls returns how often method was called (test helper)
func (m *MockClient) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// WrongStateError returns the error oned reports for an action on a VM that
// is still busy with a previous one.
func WrongStateError(method string) *Error {
	return NewError(method, CodeAction, fmt.Sprintf("[%s] Wrong state to perform action", method))
}

// enter records a call and pops an injected fault. Callers hold m.mu.
func (m *MockClient) enter(method string) error {
	m.calls[method]++
	if q := m.faults[method]; len(q) > 0 {
		m.faults[method] = q[1:]
		return q[0]
	}
	return nil
}

func vmNotFound(method string, vmID int) *Error {
	return NewError(method, CodeNoExists, fmt.Sprintf("[%s] Error getting virtual machine [%d].", method, vmID))
}

func imageNotFound(method string, imageID int) *Error {
	return NewError(method, CodeNoExists, fmt.Sprintf("[%s] Error getting image [%d].", method, imageID))
}

// ListImages implements Client
func (m *MockClient) ListImages(ctx context.Context) ([]Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListImages"); err != nil {
		return nil, err
	}

	images := make([]Image, 0, len(m.images))
	for _, img := range m.images {
		cp := *img
		cp.VMs = append([]int(nil), img.VMs...)
		images = append(images, cp)
	}
	return images, nil
}

// AllocateImage implements Client
func (m *MockClient) AllocateImage(ctx context.Context, spec ImageSpec) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AllocateImage"); err != nil {
		return 0, err
	}

	if m.freeMB >= 0 {
		if spec.SizeMB > m.freeMB {
			return 0, NewError(methodImageAllocate, CodeAction,
				fmt.Sprintf("[%s] Not enough space in datastore", methodImageAllocate))
		}
		m.freeMB -= spec.SizeMB
	}

	id := m.nextImageID
	m.nextImageID++
	m.images[id] = &Image{
		ID:          id,
		Name:        spec.Name,
		Type:        ImageTypeDatablock,
		Persistent:  true,
		SizeMB:      spec.SizeMB,
		State:       1,
		DatastoreID: spec.DatastoreID,
		RegTime:     time.Now(),
	}
	return id, nil
}

// DeleteImage implements Client
func (m *MockClient) DeleteImage(ctx context.Context, imageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteImage"); err != nil {
		return err
	}

	img, ok := m.images[imageID]
	if !ok {
		return imageNotFound(methodImageDelete, imageID)
	}
	if len(img.VMs) > 0 {
		return NewError(methodImageDelete, CodeAction,
			fmt.Sprintf("[%s] Cannot delete image %d, VMs using it", methodImageDelete, imageID))
	}
	if m.freeMB >= 0 {
		m.freeMB += img.SizeMB
	}
	delete(m.images, imageID)
	return nil
}

// GetImage implements Client
func (m *MockClient) GetImage(ctx context.Context, imageID int) (*Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetImage"); err != nil {
		return nil, err
	}

	img, ok := m.images[imageID]
	if !ok {
		return nil, imageNotFound(methodImageInfo, imageID)
	}
	cp := *img
	cp.VMs = append([]int(nil), img.VMs...)
	return &cp, nil
}

// GetVM implements Client
func (m *MockClient) GetVM(ctx context.Context, vmID int) (*VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetVM"); err != nil {
		return nil, err
	}

	vm, ok := m.vms[vmID]
	if !ok {
		return nil, vmNotFound(methodVMInfo, vmID)
	}
	cp := *vm
	cp.Disks = append([]Disk(nil), vm.Disks...)
	return &cp, nil
}

// AttachDisk implements Client
func (m *MockClient) AttachDisk(ctx context.Context, vmID, imageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AttachDisk"); err != nil {
		return err
	}

	vm, ok := m.vms[vmID]
	if !ok {
		return vmNotFound(methodVMAttach, vmID)
	}
	img, ok := m.images[imageID]
	if !ok {
		return NewError(methodVMAttach, CodeNoExists,
			fmt.Sprintf("[%s] Image %d does not exist", methodVMAttach, imageID))
	}
	if img.Persistent && len(img.VMs) > 0 {
		return NewError(methodVMAttach, CodeAction,
			fmt.Sprintf("[%s] Cannot get image %d: image already in use", methodVMAttach, imageID))
	}

	diskID := 0
	for _, d := range vm.Disks {
		if d.DiskID >= diskID {
			diskID = d.DiskID + 1
		}
	}
	vm.Disks = append(vm.Disks, Disk{
		DiskID:  diskID,
		ImageID: imageID,
		Target:  fmt.Sprintf("vd%c", 'a'+rune(diskID%26)),
	})
	img.VMs = append(img.VMs, vmID)
	return nil
}

// DetachDisk implements Client
func (m *MockClient) DetachDisk(ctx context.Context, vmID, diskID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DetachDisk"); err != nil {
		return err
	}

	vm, ok := m.vms[vmID]
	if !ok {
		return vmNotFound(methodVMDetach, vmID)
	}
	for i, d := range vm.Disks {
		if d.DiskID != diskID {
			continue
		}
		vm.Disks = append(vm.Disks[:i], vm.Disks[i+1:]...)
		if img, ok := m.images[d.ImageID]; ok {
			vms := img.VMs[:0]
			for _, id := range img.VMs {
				if id != vmID {
					vms = append(vms, id)
				}
			}
			img.VMs = vms
		}
		return nil
	}
	return NewError(methodVMDetach, CodeAction,
		fmt.Sprintf("[%s] VM %d has no disk with id %d", methodVMDetach, vmID, diskID))
}

// ResizeDisk implements Client
func (m *MockClient) ResizeDisk(ctx context.Context, vmID, diskID int, sizeMB int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ResizeDisk"); err != nil {
		return err
	}

	vm, ok := m.vms[vmID]
	if !ok {
		return vmNotFound(methodVMDiskResize, vmID)
	}
	for _, d := range vm.Disks {
		if d.DiskID != diskID {
			continue
		}
		img, ok := m.images[d.ImageID]
		if !ok {
			return imageNotFound(methodVMDiskResize, d.ImageID)
		}
		if sizeMB <= img.SizeMB {
			return NewError(methodVMDiskResize, CodeAction,
				fmt.Sprintf("[%s] New disk size has to be greater than current one", methodVMDiskResize))
		}
		if m.freeMB >= 0 {
			grow := sizeMB - img.SizeMB
			if grow > m.freeMB {
				return NewError(methodVMDiskResize, CodeAction,
					fmt.Sprintf("[%s] Not enough space in datastore", methodVMDiskResize))
			}
			m.freeMB -= grow
		}
		img.SizeMB = sizeMB
		return nil
	}
	return NewError(methodVMDiskResize, CodeAction,
		fmt.Sprintf("[%s] VM %d has no disk with id %d", methodVMDiskResize, vmID, diskID))
}

// Version implements Client
func (m *MockClient) Version(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Version"); err != nil {
		return "", err
	}
	return m.version, nil
}
