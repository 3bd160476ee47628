package device

import "regexp"

// Only nodes with a strict integer suffix are input endpoints: event3 and
// hidraw12 qualify, eventX or hidraw3a never do.
var (
	evdevNodeRe  = regexp.MustCompile(`^event[0-9]+$`)
	hidrawNodeRe = regexp.MustCompile(`^hidraw[0-9]+$`)
)

// NodeSubsystem classifies a device-node basename, reporting false for any
// name that is not a well-formed evdev or hidraw node.
func NodeSubsystem(base string) (Subsystem, bool) {
	switch {
	case evdevNodeRe.MatchString(base):
		return SubsystemInput, true
	case hidrawNodeRe.MatchString(base):
		return SubsystemHidraw, true
	}
	return "", false
}

// MatchesNode reports whether base is a well-formed node name of the given
// subsystem.
func MatchesNode(base string, subsystem Subsystem) bool {
	got, ok := NodeSubsystem(base)
	return ok && got == subsystem
}
