// Package gateway sets up the optional jump host that target connections
// are routed through.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"fleetsh/internal/errors"
	"fleetsh/internal/session"
	"fleetsh/internal/target"
)

// Router is the part of the session manager that opens the gateway hop
type Router interface {
	Via(ctx context.Context, gateway target.Target, o session.TargetOptions) error
}

// ParseSpec parses a gateway in the format "[user@]host[:port]"
func ParseSpec(spec string) (target.Target, error) {
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, "?") {
		return target.Target{}, fmt.Errorf("invalid gateway '%s': options are not supported", spec)
	}
	gw, err := target.ParseHostSpec(spec)
	if err != nil {
		return target.Target{}, fmt.Errorf("invalid gateway '%s': %w", spec, err)
	}
	return gw, nil
}

// Configure routes the router's connections through spec. An empty spec is
// a no-op. It must run before any target is dialed.
func Configure(ctx context.Context, r Router, spec string, o session.TargetOptions) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}

	gw, err := ParseSpec(spec)
	if err != nil {
		return fmt.Errorf("%w (use --ssh-gateway [user@]host[:port])", err)
	}

	if err := r.Via(ctx, gw, o); err != nil {
		if errors.IsType(err, errors.AuthenticationErrorType) {
			return errors.NewAuthenticationError(gw.Label(), err)
		}
		return errors.NewConnectionError(gw.Label(), err)
	}
	return nil
}
