package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnvm/kiln/internal/cloudinit"
	"github.com/kilnvm/kiln/internal/config"
	"github.com/kilnvm/kiln/internal/disk"
	"github.com/kilnvm/kiln/internal/output"
	"github.com/kilnvm/kiln/internal/vm"
)

var (
	startAfterCreate bool
	waitSSH          bool
	sshTimeout       time.Duration

	stopForce bool

	deleteRemoveDisks bool

	outputFormat string
	noHeaders    bool
)

func init() {
	createCmd.Flags().BoolVar(&startAfterCreate, "start", false, "start the VM after creating it")
	createCmd.Flags().BoolVar(&waitSSH, "wait-ssh", false, "start the VM and wait until SSH is reachable")
	createCmd.Flags().DurationVar(&sshTimeout, "ssh-timeout", 5*time.Minute, "how long to wait for SSH")

	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "destroy the VM instead of a graceful shutdown")

	deleteCmd.Flags().BoolVar(&deleteRemoveDisks, "remove-disks", false, "also remove the VM's disk image and seed ISO")

	listCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
	listCmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit headers in table output")

	sshWaitCmd.Flags().DurationVar(&sshTimeout, "ssh-timeout", 5*time.Minute, "how long to wait for SSH")
}

// newManager builds a manager from the persistent flags. The caller
// owns the connection lifecycle.
func newManager(opts ...vm.Option) *vm.Manager {
	if baseDir != "" {
		opts = append(opts, vm.WithBaseDir(baseDir))
	}
	return vm.NewManager(connectURI, opts...)
}

// connectManager connects the manager and returns a disconnect func
// for deferred cleanup.
func connectManager(ctx context.Context, m *vm.Manager) (func(), error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	return func() {
		if err := m.Disconnect(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to disconnect from hypervisor: %v\n", err)
		}
	}, nil
}

var createCmd = &cobra.Command{
	Use:   "create <config.yaml>",
	Short: "Create a VM from a configuration file",
	Long: `Create a new virtual machine from a YAML configuration file.

The configuration file defines the VM's resources (CPU, memory, disk),
network settings, and cloud-init provisioning. The VM is defined but
left shut off unless --start or --wait-ssh is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromFile(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Creating VM %s...\n", cfg.Name)

		var mgrOpts []vm.Option
		if cfg.BaseImage != "" {
			// Boot disk becomes a qcow2 overlay on the base image.
			base := cfg.BaseImage
			mgrOpts = append(mgrOpts, vm.WithDiskCreator(func(path string, sizeGiB uint) error {
				return disk.CreateOverlay(path, base, sizeGiB)
			}))
		}

		ctx := context.Background()
		m := newManager(mgrOpts...)
		disconnect, err := connectManager(ctx, m)
		if err != nil {
			return err
		}
		defer disconnect()

		var createOpts []vm.CreateOption
		if cfg.CloudInit != nil {
			iso, err := cloudinit.GenerateISO(cfg.Name, cloudinit.Config{
				Hostname:         cfg.CloudInit.Hostname,
				FQDN:             cfg.CloudInit.FQDN,
				SSHKeys:          cfg.CloudInit.SSHKeys,
				RootPasswordHash: cfg.CloudInit.RootPasswordHash,
				SSHPwAuth:        cfg.CloudInit.SSHPwAuth,
			})
			if err != nil {
				return fmt.Errorf("failed to generate cloud-init seed: %w", err)
			}
			createOpts = append(createOpts, vm.WithSeedISO(iso))
		}

		if _, err := m.CreateVM(ctx, cfg.Name, cfg.Shape(), createOpts...); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s created\n", cfg.Name)

		if !startAfterCreate && !waitSSH {
			return nil
		}

		if err := m.StartVM(cfg.Name); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s started\n", cfg.Name)

		if !waitSSH {
			return nil
		}

		fmt.Printf("Waiting up to %v for SSH...\n", sshTimeout)
		if err := m.WaitForSSH(ctx, cfg.Name, sshTimeout, cfg.SSHUser); err != nil {
			return err
		}

		ip, err := m.IPAddress(ctx, cfg.Name, sshTimeout)
		if err != nil {
			return err
		}
		fmt.Printf("✓ VM %s reachable: ssh %s@%s\n", cfg.Name, cfg.SSHUser, ip)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <vm-name>",
	Short: "Start a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		ctx := context.Background()
		m := newManager()
		disconnect, err := connectManager(ctx, m)
		if err != nil {
			return err
		}
		defer disconnect()

		if _, err := m.AdoptVM(name); err != nil {
			return err
		}
		if err := m.StartVM(name); err != nil {
			return err
		}

		fmt.Printf("✓ VM %s started\n", name)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <vm-name>",
	Short: "Stop a VM",
	Long: `Stop a virtual machine.

By default the guest is asked to shut down cleanly. With --force the
domain is destroyed immediately, like pulling the power cord.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		ctx := context.Background()
		m := newManager()
		disconnect, err := connectManager(ctx, m)
		if err != nil {
			return err
		}
		defer disconnect()

		if _, err := m.AdoptVM(name); err != nil {
			return err
		}
		if err := m.StopVM(name, stopForce); err != nil {
			return err
		}

		fmt.Printf("✓ VM %s stopped\n", name)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <vm-name>",
	Short: "Delete a VM",
	Long: `Delete a virtual machine.

The domain is undefined together with its managed-save state, snapshot
metadata, and NVRAM. A running VM must be stopped first. Disk images
are kept unless --remove-disks is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		ctx := context.Background()
		m := newManager()
		disconnect, err := connectManager(ctx, m)
		if err != nil {
			return err
		}
		defer disconnect()

		if _, err := m.AdoptVM(name); err != nil {
			return err
		}
		if err := m.DeleteVM(name, deleteRemoveDisks); err != nil {
			return err
		}

		fmt.Printf("✓ VM %s deleted\n", name)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Long: `List all virtual machines defined on the hypervisor.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   YAML list
  -o json   JSON list`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(outputFormat); err != nil {
			return err
		}

		ctx := context.Background()
		m := newManager()
		disconnect, err := connectManager(ctx, m)
		if err != nil {
			return err
		}
		defer disconnect()

		infos, err := m.ListDefined()
		if err != nil {
			return err
		}

		formatter, err := output.NewFormatter(output.Options{
			Format:    output.Format(outputFormat),
			NoHeaders: noHeaders,
		})
		if err != nil {
			return err
		}

		result, err := formatter.FormatVMList(infos)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}

		fmt.Print(result)
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state <vm-name>",
	Short: "Show a VM's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		ctx := context.Background()
		m := newManager()
		disconnect, err := connectManager(ctx, m)
		if err != nil {
			return err
		}
		defer disconnect()

		if _, err := m.AdoptVM(name); err != nil {
			return err
		}
		state, err := m.GetVMState(name)
		if err != nil {
			return err
		}

		fmt.Println(state)
		return nil
	},
}

var ipCmd = &cobra.Command{
	Use:   "ip <vm-name>",
	Short: "Show a VM's IPv4 address",
	Long:  `Resolve a running VM's IPv4 address from its DHCP lease.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		ctx := context.Background()
		m := newManager()
		disconnect, err := connectManager(ctx, m)
		if err != nil {
			return err
		}
		defer disconnect()

		if _, err := m.AdoptVM(name); err != nil {
			return err
		}
		ip, err := m.IPAddress(ctx, name, 30*time.Second)
		if err != nil {
			return err
		}

		fmt.Println(ip)
		return nil
	},
}

var sshWaitCmd = &cobra.Command{
	Use:   "ssh-wait <vm-name>",
	Short: "Wait until a VM is reachable over SSH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		ctx := context.Background()
		m := newManager()
		disconnect, err := connectManager(ctx, m)
		if err != nil {
			return err
		}
		defer disconnect()

		if _, err := m.AdoptVM(name); err != nil {
			return err
		}

		fmt.Printf("Waiting up to %v for SSH...\n", sshTimeout)
		if err := m.WaitForSSH(ctx, name, sshTimeout, "root"); err != nil {
			return err
		}

		fmt.Printf("✓ VM %s reachable over SSH\n", name)
		return nil
	},
}
