// Package config defines the YAML VM configuration consumed by the
// CLI and validates it before anything reaches the hypervisor.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/kilnvm/kiln/internal/vm"
)

// VMConfig is one VM's declarative configuration.
type VMConfig struct {
	Name        string           `yaml:"name"`
	MemoryMiB   int              `yaml:"memory_mib,omitempty"`
	VCPUs       int              `yaml:"vcpus,omitempty"`
	DiskGiB     int              `yaml:"disk_gib,omitempty"`
	Network     string           `yaml:"network,omitempty"`
	Arch        string           `yaml:"arch,omitempty"`
	MachineType string           `yaml:"machine_type,omitempty"`
	BaseImage   string           `yaml:"base_image,omitempty"`
	SSHUser     string           `yaml:"ssh_user,omitempty"`
	CloudInit   *CloudInitConfig `yaml:"cloud_init,omitempty"`
}

// CloudInitConfig is the guest provisioning section.
// Hostname is derived from FQDN (everything before the first dot)
// when not set explicitly.
type CloudInitConfig struct {
	Hostname         string   `yaml:"hostname,omitempty"`
	FQDN             string   `yaml:"fqdn,omitempty"`
	SSHKeys          []string `yaml:"ssh_keys,omitempty"`
	RootPasswordHash string   `yaml:"root_password_hash,omitempty"`
	SSHPwAuth        bool     `yaml:"ssh_pwauth,omitempty"`
}

// LoadFromFile reads, normalizes, and validates a VM configuration.
func LoadFromFile(path string) (*VMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg VMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Normalize lowercases the name and fills defaulted fields.
func (c *VMConfig) Normalize() {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	if c.MemoryMiB == 0 {
		c.MemoryMiB = vm.DefaultMemoryMiB
	}
	if c.VCPUs == 0 {
		c.VCPUs = vm.DefaultVCPUs
	}
	if c.DiskGiB == 0 {
		c.DiskGiB = vm.DefaultDiskGiB
	}
	if c.Network == "" {
		c.Network = vm.DefaultNetwork
	}
	if c.Arch == "" {
		c.Arch = vm.DefaultArch
	}
	if c.MachineType == "" {
		c.MachineType = vm.DefaultMachineType
	}
	if c.SSHUser == "" {
		c.SSHUser = "root"
	}
	if c.CloudInit != nil && c.CloudInit.Hostname == "" {
		if c.CloudInit.FQDN != "" {
			c.CloudInit.Hostname = strings.SplitN(c.CloudInit.FQDN, ".", 2)[0]
		} else {
			c.CloudInit.Hostname = c.Name
		}
	}
}

// namePattern matches libvirt domain name requirements: start and end
// alphanumeric, hyphens and underscores inside.
var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// Validate checks the configuration structure. It does not check
// hypervisor resources (images, bridges); those fail at create time.
func (c *VMConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("name must start and end with alphanumeric characters and contain only alphanumeric, hyphens, or underscores, got %q", c.Name)
	}

	if c.MemoryMiB <= 0 {
		return fmt.Errorf("memory_mib must be > 0, got %d", c.MemoryMiB)
	}
	if c.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be > 0, got %d", c.VCPUs)
	}
	if c.DiskGiB <= 0 {
		return fmt.Errorf("disk_gib must be > 0, got %d", c.DiskGiB)
	}

	if c.CloudInit != nil {
		for i, key := range c.CloudInit.SSHKeys {
			if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
				return fmt.Errorf("cloud_init.ssh_keys[%d]: invalid public key: %w", i, err)
			}
		}
	}

	return nil
}

// Shape converts the config to the core resource shape.
func (c *VMConfig) Shape() vm.Shape {
	return vm.Shape{
		MemoryMiB:   uint(c.MemoryMiB),
		VCPUs:       uint(c.VCPUs),
		DiskGiB:     uint(c.DiskGiB),
		Network:     c.Network,
		Arch:        c.Arch,
		MachineType: c.MachineType,
	}
}
