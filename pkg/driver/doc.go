// Package driver implements the CSI Identity, Controller and Node services
// for OpenNebula. Volumes are persistent DATABLOCK images; nodes are the VMs
// they are hot-plugged into.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - panics, programmer errors
//   - V(1): Configuration, frequently repeating errors
//   - V(2): Production default - operation outcomes, state changes
//     Examples: "Created volume X as image 12", "Attached image 12 to VM 42"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//     Examples: "VM not ready for attach (attempt 3)", "Device /dev/vdb has filesystem ext4"
//   - V(5): Trace level - request and response payloads
//     Examples: "[<request id>] CreateVolume request: ..."
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package driver
