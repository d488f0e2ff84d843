// Package libvirt wraps the go-libvirt RPC client with connection
// handling for the local daemon: URI to socket resolution, dial
// timeouts, and liveness checks.
package libvirt
