// Package mock provides an environment-configurable fake OpenNebula frontend
// and an in-memory mounter for end-to-end tests of the driver.
//
// Environment Variables:
//
// Timing Control:
//   - MOCK_ONE_REALISTIC_TIMING: Enable realistic timing simulation (default: false)
//   - MOCK_ONE_CALL_LATENCY_MS: XML-RPC call latency in ms (default: 20)
//   - MOCK_ONE_CALL_LATENCY_JITTER_MS: Latency jitter range in ms (default: 10)
//   - MOCK_ONE_HOTPLUG_CALLS: Disk actions answered with "wrong state" after
//     each successful hotplug on the same VM (default: 0)
//
// Error Injection:
//   - MOCK_ONE_ERROR_MODE: Error injection mode (none|datastore_full|auth_fail|api_fail)
//   - MOCK_ONE_ERROR_AFTER_N: Fail after N operations (default: 0 = immediate)
//
// Identity:
//   - MOCK_ONE_VERSION: OpenNebula version to report (default: "6.8.0")
package mock

import (
	"os"
	"strconv"
)

// MockOnedConfig holds configuration for the fake frontend
type MockOnedConfig struct {
	// Timing control
	RealisticTiming     bool // MOCK_ONE_REALISTIC_TIMING (default: false)
	CallLatencyMs       int  // MOCK_ONE_CALL_LATENCY_MS (default: 20)
	CallLatencyJitterMs int  // MOCK_ONE_CALL_LATENCY_JITTER_MS (default: 10)
	HotplugSettleCalls  int  // MOCK_ONE_HOTPLUG_CALLS (default: 0)

	// Error injection
	ErrorMode   string // MOCK_ONE_ERROR_MODE (none|datastore_full|auth_fail|api_fail)
	ErrorAfterN int    // MOCK_ONE_ERROR_AFTER_N (fail after N operations, default: 0 = immediate)

	Version string // MOCK_ONE_VERSION (default: "6.8.0")
}

// LoadConfigFromEnv loads the fake frontend configuration from environment variables
func LoadConfigFromEnv() MockOnedConfig {
	return MockOnedConfig{
		RealisticTiming:     getEnvBool("MOCK_ONE_REALISTIC_TIMING", false),
		CallLatencyMs:       getEnvInt("MOCK_ONE_CALL_LATENCY_MS", 20),
		CallLatencyJitterMs: getEnvInt("MOCK_ONE_CALL_LATENCY_JITTER_MS", 10),
		HotplugSettleCalls:  getEnvInt("MOCK_ONE_HOTPLUG_CALLS", 0),
		ErrorMode:           getEnvString("MOCK_ONE_ERROR_MODE", "none"),
		ErrorAfterN:         getEnvInt("MOCK_ONE_ERROR_AFTER_N", 0),
		Version:             getEnvString("MOCK_ONE_VERSION", "6.8.0"),
	}
}

// getEnvBool reads a boolean environment variable with a default value
func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "1" || val == "yes"
}

// getEnvInt reads an integer environment variable with a default value
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

// getEnvString reads a string environment variable with a default value
func getEnvString(key string, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}
