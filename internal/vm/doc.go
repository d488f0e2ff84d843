// Package vm implements the virtual machine lifecycle core: the VM
// entity, its libvirt domain description, and the Manager that owns
// the hypervisor connection and the population of VMs created through
// it.
//
// The intended use is ephemeral test environments: create VMs through
// a Manager, drive them through start/stop, and rely on CleanupAll or
// the scoped WithManager form to tear everything down (domains,
// hypervisor-side metadata, and on-disk scratch directories) even
// when individual steps fail.
package vm
