package driver

import (
	"fmt"
	"strconv"
)

// StorageClass parameter and volume context keys
const (
	// paramDatastoreID selects the OpenNebula image datastore. Default 0.
	paramDatastoreID = "datastore_id"

	// PVC metadata passed by the external-provisioner with --extra-create-metadata
	paramPVCName      = "csi.storage.k8s.io/pvc/name"
	paramPVCNamespace = "csi.storage.k8s.io/pvc/namespace"
)

// Publish context keys shared between ControllerPublishVolume and NodeStageVolume
const (
	publishContextReadonly   = "readonly"
	publishContextDevicePath = "node_target_path"
)

// VolumeParams holds parsed StorageClass parameters
type VolumeParams struct {
	// DatastoreID is the image datastore new images are allocated in
	DatastoreID int

	// PVCName and PVCNamespace identify the claim for events (may be empty)
	PVCName      string
	PVCNamespace string
}

// ParseVolumeParams parses StorageClass parameters. Unknown keys are ignored.
func ParseVolumeParams(params map[string]string) (VolumeParams, error) {
	p := VolumeParams{
		PVCName:      params[paramPVCName],
		PVCNamespace: params[paramPVCNamespace],
	}

	if val, ok := params[paramDatastoreID]; ok {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return p, fmt.Errorf("invalid %s value %q: %w", paramDatastoreID, val, err)
		}
		if parsed < 0 {
			return p, fmt.Errorf("%s must be non-negative; got %d", paramDatastoreID, parsed)
		}
		p.DatastoreID = parsed
	}

	return p, nil
}

// VolumeContext converts VolumeParams to the volume context returned by
// CreateVolume. The orchestrator passes it back on publish and stage.
func (p VolumeParams) VolumeContext() map[string]string {
	ctx := map[string]string{
		paramDatastoreID: strconv.Itoa(p.DatastoreID),
	}
	if p.PVCName != "" && p.PVCNamespace != "" {
		ctx[paramPVCName] = p.PVCName
		ctx[paramPVCNamespace] = p.PVCNamespace
	}
	return ctx
}

// pvcFromContext returns the claim a volume context refers to.
func pvcFromContext(volumeContext map[string]string) (namespace, name string, ok bool) {
	namespace = volumeContext[paramPVCNamespace]
	name = volumeContext[paramPVCName]
	return namespace, name, namespace != "" && name != ""
}
