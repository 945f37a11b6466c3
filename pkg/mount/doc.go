// Package mount wraps the filesystem tools (blkid, mkfs, fsck, resize2fs,
// mount, umount) and kernel interfaces (mountinfo, statfs) used by the CSI
// node service.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - programmer errors, panics
//   - V(2): Production default - operation outcomes, state changes
//     Examples: "Mounted /dev/vdb to /var/lib/kubelet/...", "Unmounted /path"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//     Examples: "Device /dev/vdb has filesystem \"ext4\"", "No filesystem signature on /dev/vdb"
//   - V(5): Trace level - command output, parsing details
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package mount
