package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/kilnvm/kiln/internal/vm"
)

// TableFormatter formats VMs as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatVMList formats a list of VMs as a table.
func (f *TableFormatter) FormatVMList(vms []vm.Info) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tSTATE\tVCPUs\tMEMORY")
	}

	for _, v := range vms {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d MiB\n",
			v.Name, v.State, v.VCPUs, v.MemoryMiB)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush table: %w", err)
	}

	return buf.String(), nil
}
