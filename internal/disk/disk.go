// Package disk creates qcow2 disk images for VMs.
//
// Images are created with qemu-img rather than libvirt storage pools:
// kiln VMs live in per-VM scratch directories that the manager removes
// wholesale, so pool bookkeeping would only get in the way.
package disk

import (
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/kilnvm/kiln/internal/logging"
)

// CreateImage creates an empty qcow2 image of sizeGiB at path.
func CreateImage(path string, sizeGiB uint) error {
	return create(path, sizeGiB, "")
}

// CreateOverlay creates a qcow2 image backed by a base image, so the
// base stays pristine and the VM writes only deltas.
func CreateOverlay(path, backingFile string, sizeGiB uint) error {
	if backingFile == "" {
		return fmt.Errorf("backing file is required for overlay images")
	}
	return create(path, sizeGiB, backingFile)
}

func create(path string, sizeGiB uint, backingFile string) error {
	args := buildCreateArgs(path, sizeGiB, backingFile)

	cmd := exec.Command("qemu-img", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img create failed: %w (output: %s)", err, output)
	}

	logging.Logger().Debug("created disk image",
		zap.String("path", path),
		zap.Uint("size_gib", sizeGiB),
		zap.String("backing_file", backingFile))
	return nil
}

// buildCreateArgs assembles the qemu-img argument list. Split out for
// testing.
func buildCreateArgs(path string, sizeGiB uint, backingFile string) []string {
	args := []string{"create", "-f", "qcow2"}
	if backingFile != "" {
		args = append(args, "-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", backingFile))
	}
	args = append(args, path, fmt.Sprintf("%dG", sizeGiB))
	return args
}
