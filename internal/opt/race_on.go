//go:build race

package opt

// Race_ reports whether the race detector is compiled in.
// Optimistic-read paths that have no happens-before edge the detector
// can observe are disabled when it is.
const Race_ = true
