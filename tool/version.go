package tool

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is overridden at build time with -ldflags "-X .../tool.Version=...".
var Version = "dev"

// BuildInfo describes the running binary for logs and --version output.
func BuildInfo() string {
	revision := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				revision = s.Value[:7]
			}
		}
	}
	return fmt.Sprintf("vaultdrop %s (%s, %s %s/%s)", Version, revision, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
