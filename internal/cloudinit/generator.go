// Package cloudinit generates NoCloud seed images for guest
// provisioning.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the guest provisioning input.
type Config struct {
	Hostname         string
	FQDN             string
	SSHKeys          []string
	RootPasswordHash string
	SSHPwAuth        bool
}

// userData is the cloud-config document, marshaled to YAML behind a
// "#cloud-config" header.
type userData struct {
	Hostname          string    `yaml:"hostname"`
	FQDN              string    `yaml:"fqdn,omitempty"`
	SSHAuthorizedKeys []string  `yaml:"ssh_authorized_keys,omitempty"`
	Chpasswd          *chpasswd `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth   bool      `yaml:"ssh_pwauth"`
}

type chpasswd struct {
	Expire bool   `yaml:"expire"`
	List   string `yaml:"list"` // "username:hash"
}

type metaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// networkConfig is a netplan v2 document putting every interface on
// DHCP; kiln guests get their addresses from the libvirt network.
type networkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]ethernetConfig `yaml:"ethernets"`
}

type ethernetConfig struct {
	Match matchConfig `yaml:"match"`
	DHCP4 bool        `yaml:"dhcp4"`
}

type matchConfig struct {
	Name string `yaml:"name"`
}

// GenerateUserData renders the cloud-config user-data document.
func GenerateUserData(cfg Config) (string, error) {
	hostname := cfg.Hostname
	if hostname == "" && cfg.FQDN != "" {
		hostname = strings.SplitN(cfg.FQDN, ".", 2)[0]
	}
	if hostname == "" {
		return "", fmt.Errorf("hostname or fqdn is required")
	}

	ud := userData{
		Hostname:          hostname,
		FQDN:              cfg.FQDN,
		SSHAuthorizedKeys: cfg.SSHKeys,
		SSHPasswordAuth:   cfg.SSHPwAuth,
	}
	if cfg.RootPasswordHash != "" {
		ud.Chpasswd = &chpasswd{
			Expire: false,
			List:   fmt.Sprintf("root:%s", cfg.RootPasswordHash),
		}
	}

	out, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data: %w", err)
	}

	return "#cloud-config\n" + string(out), nil
}

// GenerateMetaData renders the meta-data document. The instance ID is
// the VM name; changing it would make cloud-init treat the guest as a
// new instance on every boot.
func GenerateMetaData(vmName string) (string, error) {
	if vmName == "" {
		return "", fmt.Errorf("vm name is required")
	}

	md := metaData{
		InstanceID:    vmName,
		LocalHostname: vmName,
	}

	out, err := yaml.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data: %w", err)
	}
	return string(out), nil
}

// GenerateNetworkConfig renders a netplan v2 document enabling DHCP on
// every ethernet interface.
func GenerateNetworkConfig() (string, error) {
	nc := networkConfig{
		Version: 2,
		Ethernets: map[string]ethernetConfig{
			"all": {
				Match: matchConfig{Name: "en*"},
				DHCP4: true,
			},
		},
	}

	out, err := yaml.Marshal(nc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config: %w", err)
	}
	return string(out), nil
}
