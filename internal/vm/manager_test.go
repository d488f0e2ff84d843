package vm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/digitalocean/go-libvirt"
)

func newTestManager(t *testing.T, hv hypervisor) *Manager {
	t.Helper()
	return NewManager("",
		WithHypervisor(hv),
		WithDiskCreator(noopDisk),
		WithSettleDelay(0),
		WithBaseDir(t.TempDir()))
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager("")
	if m.URI() != DefaultURI {
		t.Errorf("URI() = %q, want %q", m.URI(), DefaultURI)
	}
	if m.Connected() {
		t.Error("fresh manager must not be connected")
	}

	m = NewManager("qemu:///system")
	if m.URI() != "qemu:///system" {
		t.Errorf("URI() = %q, want qemu:///system", m.URI())
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	m := NewManager("", WithDiskCreator(noopDisk), WithBaseDir(t.TempDir()))

	if _, err := m.CreateVM(context.Background(), "t1", Shape{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CreateVM: %v, want ErrNotConnected", err)
	}
	if _, err := m.AdoptVM("t1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AdoptVM: %v, want ErrNotConnected", err)
	}
	if err := m.StartVM("t1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartVM: %v, want ErrNotConnected", err)
	}
	if err := m.StopVM("t1", false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StopVM: %v, want ErrNotConnected", err)
	}
	if err := m.DeleteVM("t1", false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DeleteVM: %v, want ErrNotConnected", err)
	}
	if _, err := m.GetVMState("t1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("GetVMState: %v, want ErrNotConnected", err)
	}
	if _, err := m.ListDefined(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListDefined: %v, want ErrNotConnected", err)
	}
}

func TestCreateVM(t *testing.T) {
	hv := newMockHypervisor()
	m := newTestManager(t, hv)

	v, err := m.CreateVM(context.Background(), "t1", Shape{MemoryMiB: 1024, VCPUs: 1, DiskGiB: 2})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	// Explicit values preserved, zero fields defaulted.
	want := Shape{MemoryMiB: 1024, VCPUs: 1, DiskGiB: 2, Network: DefaultNetwork, Arch: DefaultArch, MachineType: DefaultMachineType}
	if v.Shape() != want {
		t.Errorf("Shape() = %+v, want %+v", v.Shape(), want)
	}
	if !v.Defined() {
		t.Error("created VM must hold a handle")
	}

	diskPath := filepath.Join(v.ScratchDir(), "t1.qcow2")
	if _, err := os.Stat(diskPath); err != nil {
		t.Errorf("disk image missing at %s: %v", diskPath, err)
	}

	state, err := m.GetVMState("t1")
	if err != nil || state != "shut off" {
		t.Errorf("GetVMState = (%q, %v), want (shut off, nil)", state, err)
	}
}

func TestCreateVMDuplicate(t *testing.T) {
	hv := newMockHypervisor()
	m := newTestManager(t, hv)

	if _, err := m.CreateVM(context.Background(), "t1", Shape{}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	_, err := m.CreateVM(context.Background(), "t1", Shape{})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate CreateVM: %v, want ErrAlreadyExists", err)
	}
	var cf *CreateFailedError
	if !errors.As(err, &cf) || cf.Name != "t1" {
		t.Errorf("duplicate CreateVM: %v, want CreateFailedError for t1", err)
	}
}

func TestCreateVMSeedISO(t *testing.T) {
	hv := newMockHypervisor()
	m := newTestManager(t, hv)

	seed := []byte("fake-iso-payload")
	v, err := m.CreateVM(context.Background(), "t1", Shape{}, WithSeedISO(seed))
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	seedPath := filepath.Join(v.ScratchDir(), "t1-seed.iso")
	data, err := os.ReadFile(seedPath)
	if err != nil {
		t.Fatalf("seed ISO missing: %v", err)
	}
	if string(data) != string(seed) {
		t.Error("seed ISO contents do not match")
	}

	if len(hv.definedXML) != 1 || !strings.Contains(hv.definedXML[0], "cdrom") {
		t.Error("domain XML must attach the seed ISO as a cdrom")
	}
}

func TestCreateVMDefineFailureTracksScratchDir(t *testing.T) {
	hv := newMockHypervisor()
	hv.defineXMLFunc = func(string) (libvirt.Domain, error) {
		return libvirt.Domain{}, errors.New("boom")
	}
	m := newTestManager(t, hv)

	v, err := m.CreateVM(context.Background(), "t1", Shape{})
	if err == nil {
		t.Fatalf("CreateVM must fail, got %v", v)
	}
	if len(m.ListVMs()) != 0 {
		t.Error("failed create must not register the VM")
	}

	// The scratch dir was allocated before the failure; bulk cleanup
	// still removes it.
	if len(m.scratchDirs) != 1 {
		t.Fatalf("scratchDirs = %v, want one tracked dir", m.scratchDirs)
	}
	dir := m.scratchDirs[0]
	if failures := m.CleanupAll(true); len(failures) != 0 {
		t.Fatalf("CleanupAll: %v", failures)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s must be removed", dir)
	}
}

func TestGetVM(t *testing.T) {
	hv := newMockHypervisor()
	m := newTestManager(t, hv)

	if _, err := m.CreateVM(context.Background(), "t1", Shape{}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if _, err := m.GetVM("t1"); err != nil {
		t.Errorf("GetVM(t1): %v", err)
	}

	_, err := m.GetVM("nope")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Name != "nope" {
		t.Errorf("GetVM(nope): %v, want NotFoundError", err)
	}
}

func TestDeleteVM(t *testing.T) {
	hv := newMockHypervisor()
	m := newTestManager(t, hv)

	if _, err := m.CreateVM(context.Background(), "t1", Shape{}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if err := m.DeleteVM("t1", false); err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}
	if _, err := m.GetVM("t1"); err == nil {
		t.Error("deleted VM must leave the registry")
	}
	if len(m.ListVMs()) != 0 {
		t.Errorf("ListVMs() = %v, want empty", m.ListVMs())
	}

	// Unknown names are a no-op, not an error.
	if err := m.DeleteVM("t1", false); err != nil {
		t.Errorf("repeat DeleteVM: %v, want nil", err)
	}
	if err := m.DeleteVM("never-existed", true); err != nil {
		t.Errorf("DeleteVM of unknown name: %v, want nil", err)
	}
}

func TestListVMsOrder(t *testing.T) {
	hv := newMockHypervisor()
	m := newTestManager(t, hv)

	for _, name := range []string{"web", "db", "cache"} {
		if _, err := m.CreateVM(context.Background(), name, Shape{}); err != nil {
			t.Fatalf("CreateVM(%s): %v", name, err)
		}
	}

	got := m.ListVMs()
	want := []string{"web", "db", "cache"}
	if len(got) != len(want) {
		t.Fatalf("ListVMs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListVMs() = %v, want %v", got, want)
		}
	}

	if err := m.DeleteVM("db", false); err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}
	got = m.ListVMs()
	if len(got) != 2 || got[0] != "web" || got[1] != "cache" {
		t.Errorf("ListVMs() after delete = %v, want [web cache]", got)
	}
}

func TestAdoptVM(t *testing.T) {
	hv := newMockHypervisor()
	hv.states["legacy"] = stateCodeRunning
	m := newTestManager(t, hv)

	v, err := m.AdoptVM("legacy")
	if err != nil {
		t.Fatalf("AdoptVM: %v", err)
	}
	if !v.Defined() {
		t.Error("adopted VM must hold a handle")
	}
	if v.Shape().MemoryMiB != 1024 || v.Shape().VCPUs != 1 {
		t.Errorf("adopted shape = %+v, want 1024 MiB / 1 vCPU", v.Shape())
	}

	state, err := m.GetVMState("legacy")
	if err != nil || state != "running" {
		t.Errorf("GetVMState = (%q, %v), want (running, nil)", state, err)
	}

	// Adopting again returns the registered VM.
	again, err := m.AdoptVM("legacy")
	if err != nil || again != v {
		t.Errorf("repeat AdoptVM = (%v, %v), want same VM", again, err)
	}

	if _, err := m.AdoptVM("missing"); err == nil {
		t.Error("AdoptVM of unknown domain must fail")
	}
}

func TestListDefined(t *testing.T) {
	hv := newMockHypervisor()
	hv.states["t1"] = stateCodeShutoff
	hv.states["t2"] = stateCodeRunning
	m := newTestManager(t, hv)

	infos, err := m.ListDefined()
	if err != nil {
		t.Fatalf("ListDefined: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("ListDefined returned %d entries, want 2", len(infos))
	}

	byName := make(map[string]Info, len(infos))
	for _, info := range infos {
		byName[info.Name] = info
	}
	if got := byName["t1"].State; got != "shut off" {
		t.Errorf("t1 state = %q, want shut off", got)
	}
	if got := byName["t2"].State; got != "running" {
		t.Errorf("t2 state = %q, want running", got)
	}
	if byName["t1"].MemoryMiB != 1024 || byName["t1"].VCPUs != 1 {
		t.Errorf("t1 info = %+v, want 1024 MiB / 1 vCPU", byName["t1"])
	}
}

func TestCleanupAll(t *testing.T) {
	hv := newMockHypervisor()
	m := newTestManager(t, hv)

	var dirs []string
	for _, name := range []string{"a", "b", "c"} {
		v, err := m.CreateVM(context.Background(), name, Shape{})
		if err != nil {
			t.Fatalf("CreateVM(%s): %v", name, err)
		}
		if err := m.StartVM(name); err != nil {
			t.Fatalf("StartVM(%s): %v", name, err)
		}
		dirs = append(dirs, v.ScratchDir())
	}

	for _, name := range []string{"a", "b", "c"} {
		if state, err := m.GetVMState(name); err != nil || state != "running" {
			t.Fatalf("GetVMState(%s) = (%q, %v), want running", name, state, err)
		}
	}

	if failures := m.CleanupAll(true); len(failures) != 0 {
		t.Fatalf("CleanupAll: %v", failures)
	}
	if len(m.ListVMs()) != 0 {
		t.Errorf("registry not empty after cleanup: %v", m.ListVMs())
	}
	if len(hv.states) != 0 {
		t.Errorf("domains still defined after cleanup: %v", hv.states)
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("scratch dir %s must be removed", dir)
		}
	}
}

func TestCleanupAllCollectsFailures(t *testing.T) {
	hv := newMockHypervisor()
	hv.undefineFunc = func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
		if dom.Name == "stuck" {
			return errors.New("device busy")
		}
		delete(hv.states, dom.Name)
		return nil
	}
	m := newTestManager(t, hv)

	for _, name := range []string{"a", "stuck", "b"} {
		if _, err := m.CreateVM(context.Background(), name, Shape{}); err != nil {
			t.Fatalf("CreateVM(%s): %v", name, err)
		}
	}

	failures := m.CleanupAll(false)
	if len(failures) != 1 || failures[0].Name != "stuck" {
		t.Fatalf("failures = %v, want one for stuck", failures)
	}

	// One stuck VM must not block the rest.
	got := m.ListVMs()
	if len(got) != 1 || got[0] != "stuck" {
		t.Errorf("ListVMs() = %v, want [stuck]", got)
	}
	if len(m.scratchDirs) != 0 {
		t.Errorf("scratch tracking must be cleared, got %v", m.scratchDirs)
	}
}

func TestWithManager(t *testing.T) {
	hv := newMockHypervisor()
	base := t.TempDir()

	var scratch string
	wantErr := errors.New("task failed")
	err := WithManager(context.Background(), "", func(m *Manager) error {
		v, err := m.CreateVM(context.Background(), "t1", Shape{})
		if err != nil {
			return err
		}
		scratch = v.ScratchDir()
		return wantErr
	},
		WithHypervisor(hv),
		WithDiskCreator(noopDisk),
		WithSettleDelay(0),
		WithBaseDir(base))

	if !errors.Is(err, wantErr) {
		t.Fatalf("WithManager returned %v, want the fn error", err)
	}

	// Cleanup runs even when fn fails.
	if len(hv.undefineCalls) != 1 || hv.undefineCalls[0].name != "t1" {
		t.Errorf("undefineCalls = %v, want [t1]", hv.undefineCalls)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s must be removed", scratch)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	m := NewManager("")
	if err := m.Disconnect(); err != nil {
		t.Errorf("Disconnect on unconnected manager: %v", err)
	}

	m = newTestManager(t, newMockHypervisor())
	if err := m.Disconnect(); err != nil {
		t.Errorf("first Disconnect: %v", err)
	}
	if m.Connected() {
		t.Error("manager must not report connected after Disconnect")
	}
	if err := m.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}
