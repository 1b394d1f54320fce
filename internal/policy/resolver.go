// Package policy resolves, at exec setup time, whether the crash guard
// applies to a program. The result is a pair of mutually exclusive flag
// bits attached to the process for its lifetime; the guard engine only ever
// reads those bits, never re-evaluates the policy.
package policy

import (
	"context"
	"log/slog"

	"github.com/gobwas/glob"

	"github.com/agentsh/crashguard/internal/identity"
	"github.com/agentsh/crashguard/pkg/types"
)

// Resolver computes execution policy flags from a scope's configured mode
// and the binary's attributes.
type Resolver struct {
	exempt []glob.Glob
	logger *slog.Logger
}

func NewResolver(exemptPatterns []string, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{logger: logger}
	for _, p := range exemptPatterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}
		r.exempt = append(r.exempt, g)
	}
	return r, nil
}

// SetupFlags resolves the guard bits for one exec of img under the given
// scope mode. requested carries the binary's own override bits (opt in or
// opt out); mode decides how much weight they get.
func (r *Resolver) SetupFlags(ctx context.Context, mode types.Mode, img identity.Image, requested types.Flags) types.Flags {
	if img != nil && r.isExempt(img.Path()) {
		return types.FlagNoGuard
	}

	switch mode {
	case types.ModeDisabled:
		return types.FlagNoGuard

	case types.ModeForced:
		return types.FlagGuard

	case types.ModeOptIn:
		// Setuid/setgid binaries are guarded regardless of their own
		// preference. A failed attribute retrieval counts as not
		// elevated and never aborts exec setup.
		if elevated, err := r.privileged(ctx, img); err == nil && elevated {
			return types.FlagGuard
		}
		if requested.Has(types.FlagGuard) {
			return types.FlagGuard
		}
		return types.FlagNoGuard

	case types.ModeOptOut:
		if requested.Has(types.FlagNoGuard) {
			return types.FlagNoGuard
		}
		return types.FlagGuard
	}

	// Unrecognized mode: fail closed.
	r.logger.Warn("unrecognized guard mode, forcing guard on", "mode", string(mode))
	return types.FlagGuard
}

func (r *Resolver) isExempt(path string) bool {
	for _, g := range r.exempt {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func (r *Resolver) privileged(ctx context.Context, img identity.Image) (bool, error) {
	if img == nil {
		return false, identity.ErrNoImage
	}
	attr, err := img.Attr(ctx)
	if err != nil {
		r.logger.Debug("privilege attribute retrieval failed", "path", img.Path(), "error", err)
		return false, err
	}
	return attr.Setuid || attr.Setgid, nil
}
