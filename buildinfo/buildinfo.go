// Package buildinfo carries release metadata injected at link time:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/nfc-relay/buildinfo.Version=0.3.0 \
//	  -X github.com/dotside-studios/nfc-relay/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Name is the binary name
	Name = "nfc-relay"

	// DisplayName is used for the tray title and the mDNS instance
	DisplayName = "NFC Relay"

	Description = "ISO14443-4 APDU relay between a card emulator and a remote victim card"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// FullVersion returns the version with the commit appended when known.
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// String renders the build metadata for the version subcommand.
func String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&sb, "  %s\n", Description)
	fmt.Fprintf(&sb, "  Go: %s, %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&sb, "\n  Built: %s", BuildTime)
	}
	return sb.String()
}
