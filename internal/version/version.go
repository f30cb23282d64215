// ABOUTME: Build version information
// ABOUTME: Version is overridden at build time with -ldflags "-X ...version.Version=..."
package version

import "fmt"

var (
	Version      = "0.1.0"
	Commit       = "dev"
	Product      = "Agora"
	Manufacturer = "Resonate Protocol"
)

// String returns the version line printed by `agora version`
func String() string {
	return fmt.Sprintf("%s %s (%s) by %s", Product, Version, Commit, Manufacturer)
}
