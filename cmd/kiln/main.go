package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnvm/kiln/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Persistent flags shared by all subcommands.
var (
	connectURI string
	baseDir    string
)

func main() {
	if err := logging.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logging.Sync() }()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - Libvirt VM lifecycle tool",
	Long: `Kiln manages short-lived libvirt VMs from simple YAML configuration.

It provides commands to create, start, stop, and delete virtual
machines, with cloud-init provisioning and SSH readiness checks.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&connectURI, "connect", "c", "",
		"libvirt connection URI (default qemu:///session)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "",
		"directory for VM scratch directories (default system temp)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(ipCmd)
	rootCmd.AddCommand(sshWaitCmd)
	rootCmd.AddCommand(testConnCmd)
}
