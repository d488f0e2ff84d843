package vm

import (
	"github.com/digitalocean/go-libvirt"
)

// hypervisor defines the libvirt operations the lifecycle core needs.
//
// In production this is satisfied by *libvirt.Libvirt directly.
// In tests it is satisfied by mock implementations.
type hypervisor interface {
	// DomainDefineXML defines a persistent domain from XML.
	DomainDefineXML(xml string) (libvirt.Domain, error)

	// DomainLookupByName looks up an existing domain by name.
	DomainLookupByName(name string) (libvirt.Domain, error)

	// ConnectListAllDomains lists domains, active and inactive.
	ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)

	// DomainCreate starts a defined domain.
	DomainCreate(dom libvirt.Domain) error

	// DomainShutdown requests a graceful guest shutdown.
	DomainShutdown(dom libvirt.Domain) error

	// DomainDestroy force-stops a domain.
	DomainDestroy(dom libvirt.Domain) error

	// DomainGetState reports the domain's current state code.
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)

	// DomainGetInfo reports state plus resource shape.
	DomainGetInfo(dom libvirt.Domain) (state uint8, maxMem uint64, memory uint64, nrVirtCPU uint16, cpuTime uint64, err error)

	// DomainUndefineFlags undefines a domain together with its
	// hypervisor-side metadata (managed save, snapshots, NVRAM).
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error

	// DomainInterfaceAddresses reports guest interface addresses.
	DomainInterfaceAddresses(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error)
}
