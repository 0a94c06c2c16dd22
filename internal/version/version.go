// ABOUTME: Version information for streamsync binaries
// ABOUTME: Reported in the monitor greeting and by tsyncctl
package version

const (
	// Version is the software version
	Version = "0.3.0"

	// Product is the product name
	Product = "streamsync"

	// Manufacturer is the manufacturer name
	Manufacturer = "Resonate Protocol"
)

// String returns the product and version
func String() string {
	return Product + " " + Version
}
