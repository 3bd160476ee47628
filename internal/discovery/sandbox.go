package discovery

import (
	"os"

	"k8s.io/klog/v2"
)

// SandboxProbe reports whether the process runs inside a container
// sandbox where netlink udev traffic does not reach us and the direct
// backend is the better default.
type SandboxProbe func() bool

// DefaultSandboxMarkers are the marker files of the container runtimes
// known to mask udev. The set is replaceable through configuration rather
// than exhaustive: new runtimes keep appearing.
var DefaultSandboxMarkers = []string{
	"/run/pressure-vessel",
	"/.flatpak-info",
	"/run/host/container-manager",
}

// SandboxProbeFromMarkers builds a probe that fires when any of the given
// marker paths exists.
func SandboxProbeFromMarkers(markers []string) SandboxProbe {
	return func() bool {
		for _, marker := range markers {
			if _, err := os.Stat(marker); err == nil {
				klog.V(2).Infof("sandbox marker %s present", marker)
				return true
			}
		}
		return false
	}
}
