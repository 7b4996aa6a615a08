package probe

import (
	"context"

	"github.com/manfred-kaiser/ssh-mitm/internal/auth"
	"github.com/manfred-kaiser/ssh-mitm/internal/pubkey"
)

func defaultEngine() *Engine {
	// The zero Config is always valid.
	e, _ := NewEngine(Config{})
	return e
}

// ProbeHost reports whether host accepts key for username. Rejected and
// indeterminate outcomes as well as errors all yield false; use
// Engine.CheckPublicKey to tell them apart.
func ProbeHost(ctx context.Context, host string, port int, username string, key *pubkey.Material) bool {
	report, err := defaultEngine().CheckPublicKey(ctx, Target{Host: host, Port: port}, username, key)
	return err == nil && report.Check != nil && report.Check.Verdict == auth.Accepted
}

// GetAuthMethods returns the methods host offers, or an empty list when the
// probe fails for any reason.
func GetAuthMethods(ctx context.Context, host string, port int) []string {
	report, err := defaultEngine().ListMethods(ctx, Target{Host: host, Port: port})
	if err != nil || report.Methods == nil {
		return []string{}
	}
	return report.Methods.Methods
}
