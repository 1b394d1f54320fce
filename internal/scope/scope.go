// Package scope models the nested administrative scopes the guard is
// configured per. Each scope owns a value copy of its guard configuration:
// a child inherits its parent's configuration at creation time and never
// sees later changes to the parent; the root seeds from process-wide
// defaults.
package scope

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/crashguard/pkg/types"
)

// GuardConfig is the per-scope tunable set.
type GuardConfig struct {
	Mode       types.Mode
	Expiry     time.Duration
	Suspension time.Duration
	MaxCrashes uint64
}

// DefaultGuardConfig mirrors the compiled-in defaults: forget an identity
// after two quiet minutes, suspend for ten minutes after five crashes.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Mode:       types.ModeOptIn,
		Expiry:     2 * time.Minute,
		Suspension: 10 * time.Minute,
		MaxCrashes: 5,
	}
}

// Defaults holds the process-wide seed configuration. It initializes the
// root scope and is updated when tunables are written on the root.
type Defaults struct {
	mu  sync.Mutex
	cfg GuardConfig
}

func NewDefaults(cfg GuardConfig) *Defaults {
	return &Defaults{cfg: cfg}
}

func (d *Defaults) Get() GuardConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Defaults) set(cfg GuardConfig) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// Scope is one node in the containment tree.
type Scope struct {
	id       string
	name     string
	parent   *Scope
	defaults *Defaults

	mu    sync.Mutex
	guard GuardConfig

	logger *slog.Logger
}

// NewRoot creates the root scope, seeded from the process-wide defaults.
func NewRoot(defaults *Defaults, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{
		id:       RootID,
		name:     "root",
		defaults: defaults,
		guard:    defaults.Get(),
		logger:   logger,
	}
}

// RootID is the fixed identifier of the root scope.
const RootID = "root"

// NewChild creates a child scope with a value copy of s's current guard
// configuration. Later changes to s do not propagate.
func (s *Scope) NewChild(name string) *Scope {
	s.mu.Lock()
	cfg := s.guard
	s.mu.Unlock()

	return &Scope{
		id:       uuid.NewString(),
		name:     name,
		parent:   s,
		defaults: s.defaults,
		guard:    cfg,
		logger:   s.logger,
	}
}

func (s *Scope) ID() string   { return s.id }
func (s *Scope) Name() string { return s.name }
func (s *Scope) IsRoot() bool { return s.parent == nil }

// Guard returns a snapshot of the scope's guard configuration.
func (s *Scope) Guard() GuardConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard
}

// SetMode validates and applies a mode. Unrecognized values are coerced to
// forced with a warning; coerced reports whether that happened. Writes to
// the root scope also update the process-wide defaults.
func (s *Scope) SetMode(mode types.Mode) (applied types.Mode, coerced bool) {
	applied = mode.Coerce()
	if applied != mode {
		coerced = true
		s.logger.Warn("invalid guard mode, coercing to forced",
			"scope", s.id, "requested", string(mode))
	}
	s.mutate(func(c *GuardConfig) { c.Mode = applied })
	return applied, coerced
}

func (s *Scope) SetExpiry(d time.Duration) {
	s.mutate(func(c *GuardConfig) { c.Expiry = d })
}

func (s *Scope) SetSuspension(d time.Duration) {
	s.mutate(func(c *GuardConfig) { c.Suspension = d })
}

func (s *Scope) SetMaxCrashes(n uint64) {
	s.mutate(func(c *GuardConfig) { c.MaxCrashes = n })
}

// Apply overwrites the full tunable set in one step, coercing the mode if
// needed. Used by config hot reload against the root scope.
func (s *Scope) Apply(cfg GuardConfig) (coerced bool) {
	applied := cfg.Mode.Coerce()
	if applied != cfg.Mode {
		coerced = true
		s.logger.Warn("invalid guard mode, coercing to forced",
			"scope", s.id, "requested", string(cfg.Mode))
		cfg.Mode = applied
	}
	s.mutate(func(c *GuardConfig) { *c = cfg })
	return coerced
}

func (s *Scope) mutate(fn func(*GuardConfig)) {
	s.mu.Lock()
	fn(&s.guard)
	cfg := s.guard
	s.mu.Unlock()

	// Root writes seed future re-initialization.
	if s.IsRoot() && s.defaults != nil {
		s.defaults.set(cfg)
	}
}
