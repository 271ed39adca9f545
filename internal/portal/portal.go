// Package portal talks to the third-party telecom account portal: a cheap
// HTTP keep-alive probe that extends an existing session, and the expensive
// headless-browser login used when nothing else will do.
package portal

import (
	"time"

	"github.com/xkilldash9x/portalkeep/internal/session"
)

// KeepAliveResult classifies the outcome of a keep-alive probe. The three
// cases the caller must distinguish: the session was extended, the session is
// definitely dead and needs a full login, or the probe was inconclusive (the
// probe returns an error in that last case).
type KeepAliveResult struct {
	Extended         bool
	NeedsFullRefresh bool
	// Expiry is the refreshed best-known session expiry after a successful
	// extension, nil when the portal did not disclose one.
	Expiry *time.Time
}

// LoginResult carries the session material harvested by a full login.
type LoginResult struct {
	Cookies []session.Cookie
	// Expiry is derived from the session-bearing cookies, nil when they have
	// no server-side expiry.
	Expiry *time.Time
}
