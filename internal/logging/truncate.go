package logging

// maxFieldLen caps the length of free-form log field values such as
// captured command output.
const maxFieldLen = 1024

// Truncate shortens s for log output, marking the cut point.
func Truncate(s string) string {
	if len(s) <= maxFieldLen {
		return s
	}
	return s[:maxFieldLen] + "...(truncated)"
}
