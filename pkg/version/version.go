package version

import (
	"fmt"
	"runtime"
)

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String is the one-line version banner printed by the binaries.
func String() string {
	return fmt.Sprintf("mesh-nms %s (%s %s/%s)", Build, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
