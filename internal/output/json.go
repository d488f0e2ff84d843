package output

import (
	"encoding/json"
	"fmt"

	"github.com/kilnvm/kiln/internal/vm"
)

// JSONFormatter formats VMs as JSON.
type JSONFormatter struct{}

// FormatVMList formats a list of VMs as a JSON array.
func (f *JSONFormatter) FormatVMList(vms []vm.Info) (string, error) {
	if len(vms) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(vms, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM list to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
