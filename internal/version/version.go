// Package version holds the ABI version triple returned for
// GET_VERSION (§6.2), kept as a single source so every in-process
// caller sees the same numbers.
package version

// Major, Minor, and Patch identify this implementation's ABI version.
const (
	Major = 1
	Minor = 0
	Patch = 0
)

// Triple is the {major, minor, patch} reply payload for GET_VERSION.
type Triple struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// Current returns this implementation's ABI version triple.
func Current() Triple {
	return Triple{Major: Major, Minor: Minor, Patch: Patch}
}
