package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/portalkeep/internal/config"
	"github.com/xkilldash9x/portalkeep/internal/session"
)

// SessionStore is the slice of the session store the keep-alive client needs.
type SessionStore interface {
	Get(ctx context.Context, accountID string) (*session.Record, error)
	Save(ctx context.Context, accountID string, cookies []session.Cookie, expiresAt *time.Time) (*session.Record, error)
	MinExpiry(cookies []session.Cookie) (time.Time, bool)
}

// Schedule is the slice of the schedule store the keep-alive client needs.
type Schedule interface {
	Upsert(ctx context.Context, accountID string, deadline time.Time) error
}

// KeepAliveClient replays an account's stored cookies against an
// authenticated portal page. A successful probe extends the session server
// side; a redirect back to the login page means the session is truly dead.
type KeepAliveClient struct {
	http     *http.Client
	cfg      config.PortalConfig
	sessions SessionStore
	schedule Schedule
	// fallbackExtension schedules the next refresh when the portal extends a
	// session without disclosing a new expiry.
	fallbackExtension time.Duration
	// now is swapped out in tests so rescheduling deadlines are exact.
	now func() time.Time
	log *zap.Logger
}

// NewKeepAliveClient creates the probe client. Redirects are never followed:
// a redirect is a classification signal here, not navigation.
func NewKeepAliveClient(cfg config.PortalConfig, sessions SessionStore, schedule Schedule, fallbackExtension time.Duration, logger *zap.Logger) *KeepAliveClient {
	return &KeepAliveClient{
		http: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:               cfg,
		sessions:          sessions,
		schedule:          schedule,
		fallbackExtension: fallbackExtension,
		now:               func() time.Time { return time.Now().UTC() },
		log:               logger.Named("keep_alive"),
	}
}

// KeepAlive probes the portal with the account's stored session. On success
// it persists any rotated cookies and pushes the schedule entry forward; on a
// definite session death it reschedules the account for a near-term full
// login and reports NeedsFullRefresh. Any other failure is returned as an
// error for the caller to treat as transient.
func (c *KeepAliveClient) KeepAlive(ctx context.Context, accountID string) (KeepAliveResult, error) {
	rec, err := c.sessions.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			// Nothing to extend.
			return KeepAliveResult{NeedsFullRefresh: true}, nil
		}
		return KeepAliveResult{}, err
	}

	probeURL, err := url.JoinPath(c.cfg.BaseURL, c.cfg.KeepAlivePath)
	if err != nil {
		return KeepAliveResult{}, fmt.Errorf("invalid keep-alive URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return KeepAliveResult{}, err
	}
	for _, ck := range rec.Cookies {
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return KeepAliveResult{}, fmt.Errorf("keep-alive probe failed for %s: %w", accountID, err)
	}
	defer resp.Body.Close()

	if c.sessionDead(resp) {
		// The session cannot be extended. Drop the dead cookies so the next
		// pass goes straight to a full login, and reschedule the account so
		// a later cycle picks it up; the caller counts this as scheduled
		// rather than failed.
		if _, err := c.sessions.Save(ctx, accountID, nil, nil); err != nil {
			return KeepAliveResult{}, fmt.Errorf("failed to clear dead session for %s: %w", accountID, err)
		}
		if err := c.schedule.Upsert(ctx, accountID, c.now()); err != nil {
			return KeepAliveResult{}, fmt.Errorf("failed to reschedule %s after dead session: %w", accountID, err)
		}
		c.log.Info("Session rejected by portal, rescheduled for full login",
			zap.String("account_id", accountID),
			zap.Int("status", resp.StatusCode),
		)
		return KeepAliveResult{NeedsFullRefresh: true}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return KeepAliveResult{}, fmt.Errorf("keep-alive probe for %s returned unexpected status %d", accountID, resp.StatusCode)
	}

	// Extended. Merge any rotated cookies and persist the refreshed session.
	cookies := mergeCookies(rec.Cookies, resp.Cookies())
	var expiry *time.Time
	if min, ok := c.sessions.MinExpiry(cookies); ok {
		expiry = &min
	}

	saved, err := c.sessions.Save(ctx, accountID, cookies, expiry)
	if err != nil {
		return KeepAliveResult{}, err
	}

	deadline := c.now().Add(c.fallbackExtension)
	if saved.NextRefreshAt != nil {
		deadline = *saved.NextRefreshAt
	}
	if err := c.schedule.Upsert(ctx, accountID, deadline); err != nil {
		return KeepAliveResult{}, fmt.Errorf("failed to push schedule entry for %s: %w", accountID, err)
	}

	c.log.Debug("Session extended via keep-alive",
		zap.String("account_id", accountID),
		zap.Timep("expiry", expiry),
	)
	return KeepAliveResult{Extended: true, Expiry: expiry}, nil
}

// sessionDead reports whether the response is the portal's way of saying the
// session no longer exists: a redirect to the login page, or an outright
// authentication rejection.
func (c *KeepAliveClient) sessionDead(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusFound, http.StatusSeeOther, http.StatusMovedPermanently, http.StatusTemporaryRedirect:
		loc := resp.Header.Get("Location")
		return strings.Contains(loc, c.cfg.LoginPath)
	}
	return false
}

// mergeCookies overlays freshly issued cookies on the stored jar, matching by
// name.
func mergeCookies(stored []session.Cookie, fresh []*http.Cookie) []session.Cookie {
	merged := make([]session.Cookie, len(stored))
	copy(merged, stored)

	for _, f := range fresh {
		updated := session.Cookie{
			Name:     f.Name,
			Value:    f.Value,
			Domain:   f.Domain,
			Path:     f.Path,
			HTTPOnly: f.HttpOnly,
			Secure:   f.Secure,
		}
		if !f.Expires.IsZero() {
			updated.Expires = float64(f.Expires.Unix())
		} else if f.MaxAge > 0 {
			updated.Expires = float64(time.Now().Add(time.Duration(f.MaxAge) * time.Second).Unix())
		}

		replaced := false
		for i := range merged {
			if merged[i].Name == f.Name {
				merged[i] = updated
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, updated)
		}
	}
	return merged
}
