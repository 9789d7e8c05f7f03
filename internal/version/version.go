// Package version reports the foreman build version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override is set at link time with -ldflags "-X ...version.Override=v1.2.3"
// and takes precedence over the embedded VERSION file.
var Override string

// Get returns the current version, with whitespace trimmed
func Get() string {
	if v := strings.TrimSpace(Override); v != "" {
		return v
	}
	return strings.TrimSpace(versionContent)
}
