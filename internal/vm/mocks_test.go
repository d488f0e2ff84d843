package vm

import (
	"fmt"
	"os"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

// Domain state codes used by the mock.
const (
	stateCodeRunning int32 = 1
	stateCodeShutoff int32 = 5
)

type undefineCall struct {
	name  string
	flags libvirt.DomainUndefineFlagsValues
}

// mockHypervisor is a hand-rolled hypervisor double. Default behavior
// models a well-behaved libvirt: define registers the domain as shut
// off, create moves it to running, shutdown/destroy back to shut off,
// undefine removes it. Individual funcs can be overridden per test.
type mockHypervisor struct {
	// states maps domain name to state code for defined domains.
	states map[string]int32

	defineXMLFunc  func(xml string) (libvirt.Domain, error)
	createFunc     func(dom libvirt.Domain) error
	shutdownFunc   func(dom libvirt.Domain) error
	destroyFunc    func(dom libvirt.Domain) error
	getStateFunc   func(dom libvirt.Domain, flags uint32) (int32, int32, error)
	undefineFunc   func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	lookupFunc     func(name string) (libvirt.Domain, error)
	ifaceAddrsFunc func(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error)

	definedXML    []string
	createCalls   []string
	shutdownCalls []string
	destroyCalls  []string
	undefineCalls []undefineCall

	nextID int32
}

func newMockHypervisor() *mockHypervisor {
	return &mockHypervisor{
		states: make(map[string]int32),
	}
}

func (m *mockHypervisor) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.definedXML = append(m.definedXML, xml)
	if m.defineXMLFunc != nil {
		return m.defineXMLFunc(xml)
	}

	var parsed libvirtxml.Domain
	if err := parsed.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, fmt.Errorf("mock: bad domain XML: %w", err)
	}

	m.nextID++
	m.states[parsed.Name] = stateCodeShutoff
	return libvirt.Domain{Name: parsed.Name, ID: m.nextID}, nil
}

func (m *mockHypervisor) DomainLookupByName(name string) (libvirt.Domain, error) {
	if m.lookupFunc != nil {
		return m.lookupFunc(name)
	}
	if _, ok := m.states[name]; !ok {
		return libvirt.Domain{}, fmt.Errorf("mock: domain %q not found", name)
	}
	return libvirt.Domain{Name: name}, nil
}

func (m *mockHypervisor) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	domains := make([]libvirt.Domain, 0, len(m.states))
	for name := range m.states {
		domains = append(domains, libvirt.Domain{Name: name})
	}
	return domains, uint32(len(domains)), nil
}

func (m *mockHypervisor) DomainCreate(dom libvirt.Domain) error {
	m.createCalls = append(m.createCalls, dom.Name)
	if m.createFunc != nil {
		return m.createFunc(dom)
	}
	if _, ok := m.states[dom.Name]; !ok {
		return fmt.Errorf("mock: domain %q not defined", dom.Name)
	}
	m.states[dom.Name] = stateCodeRunning
	return nil
}

func (m *mockHypervisor) DomainShutdown(dom libvirt.Domain) error {
	m.shutdownCalls = append(m.shutdownCalls, dom.Name)
	if m.shutdownFunc != nil {
		return m.shutdownFunc(dom)
	}
	m.states[dom.Name] = stateCodeShutoff
	return nil
}

func (m *mockHypervisor) DomainDestroy(dom libvirt.Domain) error {
	m.destroyCalls = append(m.destroyCalls, dom.Name)
	if m.destroyFunc != nil {
		return m.destroyFunc(dom)
	}
	m.states[dom.Name] = stateCodeShutoff
	return nil
}

func (m *mockHypervisor) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	if m.getStateFunc != nil {
		return m.getStateFunc(dom, flags)
	}
	code, ok := m.states[dom.Name]
	if !ok {
		return 0, 0, fmt.Errorf("mock: domain %q not defined", dom.Name)
	}
	return code, 0, nil
}

func (m *mockHypervisor) DomainGetInfo(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
	code, ok := m.states[dom.Name]
	if !ok {
		return 0, 0, 0, 0, 0, fmt.Errorf("mock: domain %q not defined", dom.Name)
	}
	// 1 GiB, 1 vCPU unless a test cares enough to override states.
	return uint8(code), 1048576, 1048576, 1, 0, nil
}

func (m *mockHypervisor) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.undefineCalls = append(m.undefineCalls, undefineCall{name: dom.Name, flags: flags})
	if m.undefineFunc != nil {
		return m.undefineFunc(dom, flags)
	}
	if _, ok := m.states[dom.Name]; !ok {
		return fmt.Errorf("mock: domain %q not defined", dom.Name)
	}
	delete(m.states, dom.Name)
	return nil
}

func (m *mockHypervisor) DomainInterfaceAddresses(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error) {
	if m.ifaceAddrsFunc != nil {
		return m.ifaceAddrsFunc(dom, source, flags)
	}
	return nil, nil
}

// noopDisk is a DiskCreator that writes an empty placeholder file so
// removal behavior can be asserted.
func noopDisk(path string, sizeGiB uint) error {
	return os.WriteFile(path, nil, 0o644)
}
