package utils

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// NodeIDPattern is the format of a node id: the numeric OpenNebula VM id.
var NodeIDPattern = regexp.MustCompile(`^[0-9]+$`)

// ParseVolumeID converts a volume id into an OpenNebula image id.
// Volume ids are the decimal image id assigned by OpenNebula.
func ParseVolumeID(volumeID string) (int, error) {
	if volumeID == "" {
		return 0, Errorf(ErrInvalidArgument, "volume ID is required")
	}
	id, err := strconv.Atoi(volumeID)
	if err != nil || id < 0 {
		return 0, Errorf(ErrNotFound, "volume %q is not an OpenNebula image id", volumeID)
	}
	return id, nil
}

// ParseNodeID converts a node id into an OpenNebula VM id.
func ParseNodeID(nodeID string) (int, error) {
	if !NodeIDPattern.MatchString(nodeID) {
		return 0, Errorf(ErrNotFound, "node %q does not match %s", nodeID, NodeIDPattern.String())
	}
	id, err := strconv.Atoi(nodeID)
	if err != nil {
		return 0, Errorf(ErrNotFound, "node %q is out of range", nodeID)
	}
	return id, nil
}

// VolumeID formats an image id as a volume id.
func VolumeID(imageID int) string {
	return strconv.Itoa(imageID)
}

// ReadVMID reads the id of the VM the driver runs on from path. The file is
// written by the contextualization scripts of the VM.
func ReadVMID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read VM id from %s: %w", path, err)
	}
	raw := strings.TrimSpace(string(data))
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid VM id %q in %s: %w", raw, path, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid VM id %d in %s", id, path)
	}
	return id, nil
}
