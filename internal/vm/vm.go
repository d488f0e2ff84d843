package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"

	"github.com/kilnvm/kiln/internal/logging"
	"github.com/kilnvm/kiln/internal/naming"
	"github.com/kilnvm/kiln/internal/remote"
)

// Resource-shape defaults applied by the manager when a field is zero.
const (
	DefaultMemoryMiB   = 2048
	DefaultVCPUs       = 2
	DefaultDiskGiB     = 10
	DefaultNetwork     = "default"
	DefaultArch        = "x86_64"
	DefaultMachineType = "q35"
)

// defaultSettleDelay is the fixed pause after a power operation before
// the cached state is refreshed. The hypervisor transition may still be
// in flight afterwards; callers needing certainty must poll State.
const defaultSettleDelay = 2 * time.Second

// StateUndefined is the logical state of a VM with no hypervisor
// handle, before Define and after Delete.
const StateUndefined = "undefined"

// undefineFlags requests removal of all hypervisor-side metadata when a
// domain is undefined. Dropping any of the three can leave a VM
// ghost-defined behind a managed-save image, snapshot metadata, or
// NVRAM file.
const undefineFlags = libvirt.DomainUndefineManagedSave |
	libvirt.DomainUndefineSnapshotsMetadata |
	libvirt.DomainUndefineNvram

// sshPort is where WaitForSSH probes the guest.
const sshPort = 22

// Shape is a VM's declared resource shape. Immutable after
// construction.
type Shape struct {
	MemoryMiB   uint
	VCPUs       uint
	DiskGiB     uint
	Network     string
	Arch        string
	MachineType string
}

// withDefaults fills zero-valued fields with the package defaults.
// Explicit values are never clamped.
func (s Shape) withDefaults() Shape {
	if s.MemoryMiB == 0 {
		s.MemoryMiB = DefaultMemoryMiB
	}
	if s.VCPUs == 0 {
		s.VCPUs = DefaultVCPUs
	}
	if s.DiskGiB == 0 {
		s.DiskGiB = DefaultDiskGiB
	}
	if s.Network == "" {
		s.Network = DefaultNetwork
	}
	if s.Arch == "" {
		s.Arch = DefaultArch
	}
	if s.MachineType == "" {
		s.MachineType = DefaultMachineType
	}
	return s
}

// VM represents one virtual machine: its declared shape, the scratch
// directory holding its disk image, and the hypervisor handle once the
// domain is defined. A nil handle means the VM is logically undefined,
// regardless of the cached state.
type VM struct {
	name       string
	shape      Shape
	scratchDir string
	seedPath   string

	handle      *libvirt.Domain
	cachedState string

	settleDelay time.Duration
}

// New constructs a VM value. Pure construction: nothing is validated
// and nothing touches the hypervisor until Define.
func New(name string, shape Shape) *VM {
	return &VM{
		name:        name,
		shape:       shape,
		cachedState: StateUndefined,
		settleDelay: defaultSettleDelay,
	}
}

// Name returns the VM's name, which is also its domain name on the
// hypervisor.
func (v *VM) Name() string { return v.name }

// Shape returns the VM's declared resource shape.
func (v *VM) Shape() Shape { return v.shape }

// ScratchDir returns the scratch directory holding the VM's disk
// image, empty until Define.
func (v *VM) ScratchDir() string { return v.scratchDir }

// CachedState returns the last state observed by State. Not
// authoritative; the hypervisor is the source of truth.
func (v *VM) CachedState() string { return v.cachedState }

// Defined reports whether the VM currently holds a hypervisor handle.
func (v *VM) Defined() bool { return v.handle != nil }

func (v *VM) diskPath() string {
	return filepath.Join(v.scratchDir, naming.DiskImageName(v.name))
}

// Define renders the domain description with the disk image expected
// at <scratchDir>/<name>.qcow2, submits it to the hypervisor, and
// stores the returned handle. Defining an already-defined VM is
// rejected rather than redefined.
func (v *VM) Define(hv hypervisor, scratchDir string) error {
	if v.handle != nil {
		return &CreateFailedError{Name: v.name, Cause: ErrAlreadyDefined}
	}

	v.scratchDir = scratchDir

	xml, err := buildDomainXML(v)
	if err != nil {
		return &CreateFailedError{Name: v.name, Cause: err}
	}

	dom, err := hv.DomainDefineXML(xml)
	if err != nil {
		return &CreateFailedError{Name: v.name, Cause: err}
	}

	v.handle = &dom
	logging.Logger().Info("defined domain",
		zap.String("vm", v.name),
		zap.String("scratch_dir", scratchDir))
	return nil
}

// Start powers on the VM, waits the settle delay, and refreshes the
// cached state.
func (v *VM) Start(hv hypervisor) error {
	if v.handle == nil {
		return &StartFailedError{Name: v.name, Cause: ErrNoHandle}
	}

	if err := hv.DomainCreate(*v.handle); err != nil {
		return &StartFailedError{Name: v.name, Cause: err}
	}

	v.settle(hv)
	logging.Logger().Info("started vm",
		zap.String("vm", v.name),
		zap.String("state", v.cachedState))
	return nil
}

// Stop powers off the VM: graceful guest shutdown by default, hard
// destroy when force is set. Waits the settle delay, then refreshes
// the cached state.
func (v *VM) Stop(hv hypervisor, force bool) error {
	if v.handle == nil {
		return &StopFailedError{Name: v.name, Cause: ErrNoHandle}
	}

	var err error
	if force {
		err = hv.DomainDestroy(*v.handle)
	} else {
		err = hv.DomainShutdown(*v.handle)
	}
	if err != nil {
		return &StopFailedError{Name: v.name, Cause: err}
	}

	v.settle(hv)
	logging.Logger().Info("stopped vm",
		zap.String("vm", v.name),
		zap.Bool("force", force),
		zap.String("state", v.cachedState))
	return nil
}

// Delete undefines the domain together with its managed-save state,
// snapshot metadata, and NVRAM, then clears the handle. When
// removeDisks is set the disk image and seed ISO in the scratch
// directory are removed as well; the scratch directory itself stays
// until the manager's bulk cleanup.
func (v *VM) Delete(hv hypervisor, removeDisks bool) error {
	if v.handle == nil {
		return &DeleteFailedError{Name: v.name, Cause: ErrNoHandle}
	}

	if err := hv.DomainUndefineFlags(*v.handle, undefineFlags); err != nil {
		return &DeleteFailedError{Name: v.name, Cause: err}
	}

	v.handle = nil
	v.cachedState = StateUndefined

	if removeDisks && v.scratchDir != "" {
		if err := os.Remove(v.diskPath()); err != nil && !os.IsNotExist(err) {
			return &DeleteFailedError{Name: v.name, Cause: err}
		}
		if v.seedPath != "" {
			if err := os.Remove(v.seedPath); err != nil && !os.IsNotExist(err) {
				logging.Logger().Warn("failed to remove seed iso",
					zap.String("vm", v.name),
					zap.Error(err))
			}
		}
	}

	logging.Logger().Info("deleted vm", zap.String("vm", v.name))
	return nil
}

// State queries the hypervisor for the VM's current state and caches
// the result. A VM with no handle reports "undefined" without touching
// the hypervisor.
func (v *VM) State(hv hypervisor) (string, error) {
	if v.handle == nil {
		v.cachedState = StateUndefined
		return StateUndefined, nil
	}

	code, _, err := hv.DomainGetState(*v.handle, 0)
	if err != nil {
		return "", fmt.Errorf("failed to get state of vm %q: %w", v.name, err)
	}

	v.cachedState = stateName(code)
	return v.cachedState, nil
}

// IPAddress resolves the guest's IPv4 address from DHCP leases,
// polling with exponential backoff until the timeout.
func (v *VM) IPAddress(ctx context.Context, hv hypervisor, timeout time.Duration) (string, error) {
	if v.handle == nil {
		return "", fmt.Errorf("vm %q: %w", v.name, ErrNoHandle)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = timeout

	var ip string
	op := func() error {
		ifaces, err := hv.DomainInterfaceAddresses(*v.handle,
			uint32(libvirt.DomainInterfaceAddressesSrcLease), 0)
		if err != nil {
			return err
		}
		for _, iface := range ifaces {
			for _, addr := range iface.Addrs {
				if addr.Type == int32(libvirt.IPAddrTypeIpv4) {
					ip = strings.Split(addr.Addr, "/")[0]
					return nil
				}
			}
		}
		return fmt.Errorf("no lease yet for vm %q", v.name)
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		logging.Logger().Debug("gave up waiting for vm ip",
			zap.String("vm", v.name),
			zap.Error(err))
		return "", &TimeoutError{Op: "wait for vm ip", Timeout: timeout}
	}

	return ip, nil
}

// WaitForSSH blocks until the guest accepts TCP connections on the SSH
// port or the timeout elapses. The username is recorded for the
// follow-up remote session but plays no part in reachability.
func (v *VM) WaitForSSH(ctx context.Context, hv hypervisor, timeout time.Duration, username string) error {
	if v.handle == nil {
		return fmt.Errorf("vm %q: %w", v.name, ErrNoHandle)
	}

	deadline := time.Now().Add(timeout)

	ip, err := v.IPAddress(ctx, hv, timeout)
	if err != nil {
		return &TimeoutError{Op: "wait for ssh", Timeout: timeout}
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return &TimeoutError{Op: "wait for ssh", Timeout: timeout}
	}

	if err := remote.WaitForPort(ctx, ip, sshPort, remaining); err != nil {
		return &TimeoutError{Op: "wait for ssh", Timeout: timeout}
	}

	logging.Logger().Info("vm reachable over ssh",
		zap.String("vm", v.name),
		zap.String("ip", ip),
		zap.String("user", username))
	return nil
}

// settle pauses for the settle delay, then refreshes the cached state.
// Errors during the refresh leave the previous cached value in place.
func (v *VM) settle(hv hypervisor) {
	if v.settleDelay > 0 {
		time.Sleep(v.settleDelay)
	}
	if _, err := v.State(hv); err != nil {
		logging.Logger().Debug("state refresh after settle failed",
			zap.String("vm", v.name),
			zap.Error(err))
	}
}

// stateName maps a libvirt domain state code to the display name virsh
// uses for it.
func stateName(code int32) string {
	switch code {
	case 0:
		return "no state"
	case 1:
		return "running"
	case 2:
		return "blocked"
	case 3:
		return "paused"
	case 4:
		return "shutdown"
	case 5:
		return "shut off"
	case 6:
		return "crashed"
	case 7:
		return "pmsuspended"
	default:
		return fmt.Sprintf("unknown (%d)", code)
	}
}
