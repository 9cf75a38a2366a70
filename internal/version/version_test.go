// ABOUTME: Tests for version constants.
// ABOUTME: Guards the identity strings reported over the protocol.
package version

import (
	"strings"
	"testing"
)

func TestIdentityDefined(t *testing.T) {
	if Version == "" || Product == "" || Manufacturer == "" {
		t.Fatalf("identity constants must not be empty: %q %q %q", Version, Product, Manufacturer)
	}
}

func TestVersionLooksSemantic(t *testing.T) {
	if strings.Count(Version, ".") != 2 {
		t.Errorf("Version %q is not major.minor.patch", Version)
	}
}
