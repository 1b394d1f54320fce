package types

// Flags carries the guard bits attached to a process's execution context.
// The two bits are mutually exclusive once resolved at exec setup; before
// resolution a binary may carry either bit as a requested override.
type Flags uint8

const (
	// FlagGuard marks the guard as active for the process.
	FlagGuard Flags = 1 << iota
	// FlagNoGuard marks the guard as inactive for the process.
	FlagNoGuard
)

// Has reports whether all bits in f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Active reports whether the guard applies to a process carrying these
// resolved flags. A context with neither bit set counts as active: the
// guard fails closed.
func (f Flags) Active() bool {
	if f.Has(FlagGuard) {
		return true
	}
	if f.Has(FlagNoGuard) {
		return false
	}
	return true
}
