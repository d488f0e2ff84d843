package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kilnvm/kiln/internal/disk"
	kilnlibvirt "github.com/kilnvm/kiln/internal/libvirt"
	"github.com/kilnvm/kiln/internal/logging"
	"github.com/kilnvm/kiln/internal/naming"
)

// DefaultURI is the hypervisor connection target when none is given:
// the per-user QEMU/KVM session.
const DefaultURI = "qemu:///session"

// DiskCreator creates a VM's backing disk image at path. Injected so
// tests do not shell out to qemu-img.
type DiskCreator func(path string, sizeGiB uint) error

// Manager owns a single hypervisor connection and the set of VMs
// created through it. Not safe for concurrent use; operations are
// synchronous and blocking, and callers adding concurrency must
// serialize access externally.
type Manager struct {
	uri    string
	client *kilnlibvirt.Client
	hv     hypervisor

	vms   map[string]*VM
	order []string

	scratchDirs []string

	baseDir     string
	settleDelay time.Duration
	createDisk  DiskCreator
}

// Option configures a Manager.
type Option func(*Manager)

// WithBaseDir sets the directory under which per-VM scratch
// directories are allocated. Defaults to the system temp directory.
func WithBaseDir(dir string) Option {
	return func(m *Manager) { m.baseDir = dir }
}

// WithSettleDelay overrides the pause after power operations before
// the cached state refresh. Tests set this to zero.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.settleDelay = d
		for _, v := range m.vms {
			v.settleDelay = d
		}
	}
}

// WithHypervisor injects a hypervisor implementation directly,
// bypassing Connect. Used by tests.
func WithHypervisor(hv hypervisor) Option {
	return func(m *Manager) { m.hv = hv }
}

// WithDiskCreator overrides how disk images are created.
func WithDiskCreator(c DiskCreator) Option {
	return func(m *Manager) { m.createDisk = c }
}

// NewManager creates a manager targeting the given connection URI.
// No connection is opened until Connect is called.
func NewManager(uri string, opts ...Option) *Manager {
	if uri == "" {
		uri = DefaultURI
	}

	m := &Manager{
		uri:         uri,
		vms:         make(map[string]*VM),
		settleDelay: defaultSettleDelay,
		createDisk:  disk.CreateImage,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// URI returns the manager's connection target.
func (m *Manager) URI() string { return m.uri }

// Connected reports whether the hypervisor connection is open.
func (m *Manager) Connected() bool { return m.hv != nil }

// Connect opens the hypervisor connection. A no-op when already
// connected.
func (m *Manager) Connect(ctx context.Context) error {
	if m.hv != nil {
		return nil
	}

	client, err := kilnlibvirt.ConnectWithContext(ctx, m.uri, 0)
	if err != nil {
		return &ConnectionFailedError{URI: m.uri, Cause: err}
	}

	m.client = client
	m.hv = client.Libvirt()
	logging.Logger().Info("connected to hypervisor", zap.String("uri", m.uri))
	return nil
}

// Disconnect closes the hypervisor connection if open. Safe to call
// repeatedly.
func (m *Manager) Disconnect() error {
	if m.hv == nil {
		return nil
	}

	m.hv = nil
	if m.client == nil {
		return nil
	}

	client := m.client
	m.client = nil
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to disconnect from hypervisor: %w", err)
	}

	logging.Logger().Info("disconnected from hypervisor", zap.String("uri", m.uri))
	return nil
}

// CreateOption configures a single CreateVM call.
type CreateOption func(*createOpts)

type createOpts struct {
	seedISO []byte
}

// WithSeedISO attaches a cloud-init NoCloud seed ISO to the VM. The
// image is written into the scratch directory and wired into the
// domain description as a read-only cdrom.
func WithSeedISO(data []byte) CreateOption {
	return func(o *createOpts) { o.seedISO = data }
}

// CreateVM allocates a scratch directory, creates the disk image,
// defines the domain, and registers the VM under name. Zero-valued
// shape fields take the package defaults. The scratch directory is
// tracked for bulk cleanup even when a later step fails, so nothing
// leaks from a half-created VM; the registry only ever sees fully
// created ones.
func (m *Manager) CreateVM(ctx context.Context, name string, shape Shape, opts ...CreateOption) (*VM, error) {
	if m.hv == nil {
		return nil, ErrNotConnected
	}
	if _, ok := m.vms[name]; ok {
		return nil, &CreateFailedError{Name: name, Cause: ErrAlreadyExists}
	}

	var co createOpts
	for _, opt := range opts {
		opt(&co)
	}

	shape = shape.withDefaults()

	scratchDir, err := m.allocScratchDir(name)
	if err != nil {
		return nil, &CreateFailedError{Name: name, Cause: err}
	}

	diskPath := filepath.Join(scratchDir, naming.DiskImageName(name))
	if err := m.createDisk(diskPath, shape.DiskGiB); err != nil {
		return nil, &CreateFailedError{Name: name, Cause: err}
	}

	v := New(name, shape)
	v.settleDelay = m.settleDelay

	if co.seedISO != nil {
		seedPath := filepath.Join(scratchDir, naming.SeedISOName(name))
		if err := os.WriteFile(seedPath, co.seedISO, 0o644); err != nil {
			return nil, &CreateFailedError{Name: name, Cause: err}
		}
		v.seedPath = seedPath
	}

	if err := v.Define(m.hv, scratchDir); err != nil {
		return nil, err
	}

	m.register(v)
	return v, nil
}

// AdoptVM registers a domain that already exists on the hypervisor,
// typically one defined by an earlier process. The shape is read back
// from the domain info; the scratch directory is unknown and disk
// removal is skipped for adopted VMs.
func (m *Manager) AdoptVM(name string) (*VM, error) {
	if m.hv == nil {
		return nil, ErrNotConnected
	}
	if v, ok := m.vms[name]; ok {
		return v, nil
	}

	dom, err := m.hv.DomainLookupByName(name)
	if err != nil {
		return nil, &NotFoundError{Name: name}
	}

	var shape Shape
	if _, _, memKiB, vcpus, _, err := m.hv.DomainGetInfo(dom); err == nil {
		shape.MemoryMiB = uint(memKiB / 1024)
		shape.VCPUs = uint(vcpus)
	}

	v := New(name, shape)
	v.settleDelay = m.settleDelay
	v.handle = &dom

	m.register(v)
	logging.Logger().Info("adopted existing domain", zap.String("vm", name))
	return v, nil
}

// GetVM looks up a VM by name.
func (m *Manager) GetVM(name string) (*VM, error) {
	v, ok := m.vms[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return v, nil
}

// StartVM starts the named VM.
func (m *Manager) StartVM(name string) error {
	if m.hv == nil {
		return ErrNotConnected
	}
	v, err := m.GetVM(name)
	if err != nil {
		return err
	}
	return v.Start(m.hv)
}

// StopVM stops the named VM, forcefully when force is set.
func (m *Manager) StopVM(name string, force bool) error {
	if m.hv == nil {
		return ErrNotConnected
	}
	v, err := m.GetVM(name)
	if err != nil {
		return err
	}
	return v.Stop(m.hv, force)
}

// DeleteVM deletes the named VM and removes it from the registry.
//
// Deleting a name that was never registered is a no-op returning nil.
// This asymmetry with GetVM is deliberate: delete is idempotent so
// that cleanup paths can retry freely.
func (m *Manager) DeleteVM(name string, removeDisks bool) error {
	if m.hv == nil {
		return ErrNotConnected
	}
	v, ok := m.vms[name]
	if !ok {
		return nil
	}

	if err := v.Delete(m.hv, removeDisks); err != nil {
		return err
	}

	m.unregister(name)
	return nil
}

// GetVMState reports the named VM's current hypervisor state.
func (m *Manager) GetVMState(name string) (string, error) {
	if m.hv == nil {
		return "", ErrNotConnected
	}
	v, err := m.GetVM(name)
	if err != nil {
		return "", err
	}
	return v.State(m.hv)
}

// IPAddress resolves the named VM's IPv4 address from DHCP leases,
// waiting up to timeout for one to appear.
func (m *Manager) IPAddress(ctx context.Context, name string, timeout time.Duration) (string, error) {
	if m.hv == nil {
		return "", ErrNotConnected
	}
	v, err := m.GetVM(name)
	if err != nil {
		return "", err
	}
	return v.IPAddress(ctx, m.hv, timeout)
}

// WaitForSSH blocks until the named VM accepts SSH connections or the
// timeout elapses.
func (m *Manager) WaitForSSH(ctx context.Context, name string, timeout time.Duration, username string) error {
	if m.hv == nil {
		return ErrNotConnected
	}
	v, err := m.GetVM(name)
	if err != nil {
		return err
	}
	return v.WaitForSSH(ctx, m.hv, timeout, username)
}

// ListVMs returns the registered VM names in insertion order.
func (m *Manager) ListVMs() []string {
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// Info describes a domain known to the hypervisor.
type Info struct {
	Name      string `json:"name"       yaml:"name"`
	State     string `json:"state"      yaml:"state"`
	MemoryMiB uint64 `json:"memory_mib" yaml:"memory_mib"`
	VCPUs     uint16 `json:"vcpus"      yaml:"vcpus"`
}

// ListDefined lists every domain on the hypervisor, active or not,
// regardless of whether this manager created it.
func (m *Manager) ListDefined() ([]Info, error) {
	if m.hv == nil {
		return nil, ErrNotConnected
	}

	domains, _, err := m.hv.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	infos := make([]Info, 0, len(domains))
	for _, dom := range domains {
		state, _, memKiB, vcpus, _, err := m.hv.DomainGetInfo(dom)
		if err != nil {
			logging.Logger().Warn("failed to get domain info",
				zap.String("domain", dom.Name),
				zap.Error(err))
			continue
		}
		infos = append(infos, Info{
			Name:      dom.Name,
			State:     stateName(int32(state)),
			MemoryMiB: memKiB / 1024,
			VCPUs:     vcpus,
		})
	}

	return infos, nil
}

// CleanupFailure records one VM or scratch directory that could not be
// cleaned up.
type CleanupFailure struct {
	Name string
	Err  error
}

// CleanupAll deletes every registered VM and removes every tracked
// scratch directory. Failures are collected and returned, never
// propagated: one stuck VM must not leak the rest. The scratch
// tracking list is cleared unconditionally.
func (m *Manager) CleanupAll(removeDisks bool) []CleanupFailure {
	var failures []CleanupFailure

	// Snapshot: DeleteVM mutates the registry while we iterate.
	names := m.ListVMs()
	for _, name := range names {
		if err := m.DeleteVM(name, removeDisks); err != nil {
			logging.Logger().Warn("cleanup: failed to delete vm",
				zap.String("vm", name),
				zap.Error(err))
			failures = append(failures, CleanupFailure{Name: name, Err: err})
		}
	}

	for _, dir := range m.scratchDirs {
		if err := os.RemoveAll(dir); err != nil {
			logging.Logger().Warn("cleanup: failed to remove scratch dir",
				zap.String("dir", dir),
				zap.Error(err))
			failures = append(failures, CleanupFailure{Name: dir, Err: err})
		}
	}
	m.scratchDirs = nil

	return failures
}

// WithManager runs fn against a connected manager and guarantees that
// all VMs and scratch directories created inside are cleaned up and
// the connection closed when fn returns, error or not. fn's error
// propagates to the caller.
func WithManager(ctx context.Context, uri string, fn func(*Manager) error, opts ...Option) error {
	m := NewManager(uri, opts...)
	if err := m.Connect(ctx); err != nil {
		return err
	}

	defer func() {
		if failures := m.CleanupAll(true); len(failures) > 0 {
			for _, f := range failures {
				logging.Logger().Warn("scoped cleanup failure",
					zap.String("name", f.Name),
					zap.Error(f.Err))
			}
		}
		if err := m.Disconnect(); err != nil {
			logging.Logger().Warn("scoped disconnect failed", zap.Error(err))
		}
	}()

	return fn(m)
}

// allocScratchDir creates a fresh scratch directory for a VM and
// tracks it for bulk cleanup before anything fallible happens inside
// it.
func (m *Manager) allocScratchDir(name string) (string, error) {
	base := m.baseDir
	if base == "" {
		base = os.TempDir()
	}

	dir := filepath.Join(base, naming.ScratchDirName(name, uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}

	m.scratchDirs = append(m.scratchDirs, dir)
	return dir, nil
}

func (m *Manager) register(v *VM) {
	m.vms[v.name] = v
	m.order = append(m.order, v.name)
}

func (m *Manager) unregister(name string) {
	delete(m.vms, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
