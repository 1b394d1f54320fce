package types

// Mode is the per-scope guard policy setting. It controls whether the guard
// applies to programs executed inside that scope.
type Mode string

const (
	// ModeDisabled turns the guard off for every program in the scope.
	ModeDisabled Mode = "disabled"
	// ModeOptIn applies the guard only to setuid/setgid binaries and to
	// binaries that explicitly request it.
	ModeOptIn Mode = "opt_in"
	// ModeOptOut applies the guard to everything except binaries that
	// explicitly request exemption.
	ModeOptOut Mode = "opt_out"
	// ModeForced applies the guard unconditionally.
	ModeForced Mode = "forced"
)

// Valid reports whether m is one of the four recognized modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeDisabled, ModeOptIn, ModeOptOut, ModeForced:
		return true
	}
	return false
}

// Coerce returns m if it is a recognized mode, otherwise ModeForced.
// Unknown values are never accepted silently as anything weaker.
func (m Mode) Coerce() Mode {
	if m.Valid() {
		return m
	}
	return ModeForced
}
