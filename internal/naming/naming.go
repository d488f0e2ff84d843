// Package naming provides the naming conventions for per-VM artifacts.
// Disk images, seed ISOs, and scratch directories all derive their
// names from the VM name so that cleanup can find everything a VM
// left behind.
package naming

import "fmt"

// DiskImageName returns the file name of a VM's disk image.
// Format: <vm-name>.qcow2
func DiskImageName(vmName string) string {
	return fmt.Sprintf("%s.qcow2", vmName)
}

// SeedISOName returns the file name of a VM's cloud-init seed ISO.
// Format: <vm-name>-seed.iso
func SeedISOName(vmName string) string {
	return fmt.Sprintf("%s-seed.iso", vmName)
}

// ScratchDirName returns the directory name for a VM's scratch space.
// The suffix keeps repeated runs with the same VM name from colliding.
// Format: kiln-<vm-name>-<suffix>
func ScratchDirName(vmName, suffix string) string {
	return fmt.Sprintf("kiln-%s-%s", vmName, suffix)
}
