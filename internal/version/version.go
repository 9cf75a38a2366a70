// ABOUTME: Version constants for the Auricle daemon and tools
// ABOUTME: Reported over the control protocol and in mDNS advertisements
package version

const (
	// Version is the semantic version of this build.
	Version = "0.3.0"

	// Product is the human-readable product name.
	Product = "Auricle"

	// Manufacturer identifies the project publishing this software.
	Manufacturer = "Auricle Audio"
)
