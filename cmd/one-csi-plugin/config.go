package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/utils"
)

// Environment variables that override the corresponding flags
const (
	envAPIEndpoint = "ONE_API_ENDPOINT"
	envAPIUsername = "ONE_API_USERNAME"
	envAPIPassword = "ONE_API_PASSWORD"
	envCSIEndpoint = "CSI_ENDPOINT"
)

// options are the command line settings after environment overrides
type options struct {
	csiEndpoint string
	apiEndpoint string
	apiUsername string
	apiPassword string
	vmID        int
	vmIDPath    string

	defaultVolumeSize string
	minVolumeSize     string
}

// loadEnv reads a .env file if present and applies the environment
// overrides. Set variables win over flags.
func (o *options) loadEnv() {
	_ = godotenv.Load()

	overrides := []struct {
		key    string
		target *string
	}{
		{envCSIEndpoint, &o.csiEndpoint},
		{envAPIEndpoint, &o.apiEndpoint},
		{envAPIUsername, &o.apiUsername},
		{envAPIPassword, &o.apiPassword},
	}
	for _, ov := range overrides {
		if v := strings.TrimSpace(os.Getenv(ov.key)); v != "" {
			*ov.target = v
		}
	}
}

// resolveVMID returns --one-vm-id if set, otherwise the id written by the
// contextualization scripts.
func (o *options) resolveVMID() (int, error) {
	if o.vmID > 0 {
		return o.vmID, nil
	}
	return utils.ReadVMID(o.vmIDPath)
}

// sizeMB parses a human readable size such as "1GB" or "512MB" into whole
// megabytes, rounding up.
func sizeMB(flagName, value string) (int64, error) {
	var ds datasize.ByteSize
	if err := ds.UnmarshalText([]byte(value)); err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flagName, value, err)
	}
	mb := utils.BytesToMB(int64(ds.Bytes()))
	if mb <= 0 {
		return 0, fmt.Errorf("--%s must be at least 1MB, got %q", flagName, value)
	}
	return mb, nil
}
