package version

import (
	"os"
	"strings"
)

// Build is overridden at link time with -ldflags "-X ...version.Build=1.2.3".
var Build = "dev"

// Read returns the contents of the VERSION file at path, falling back to
// the link-time Build value.
func Read(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return Build
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return Build
	}
	return strings.TrimPrefix(v, "v")
}
