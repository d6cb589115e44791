// Package version holds the protocol and software version constants
// announced in HELLO exchanges.
package version

import "fmt"

const (
	// Proto is the wire protocol version.
	Proto = 1

	Major    = 1
	Minor    = 1
	Revision = 0
)

// String returns the software version string.
func String() string {
	return fmt.Sprintf("%d.%d.%d", Major, Minor, Revision)
}
