// Package session caches proof-of-authentication for managed portal accounts.
package session

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cookie is one browser cookie captured from the portal. Expires is epoch
// seconds; zero or negative means a session cookie with no server-side expiry.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Record is the cached session state for one account.
type Record struct {
	AccountID string
	Cookies   []Cookie
	// ExpiresAt is the best-known session expiry, nil when the portal never
	// disclosed one.
	ExpiresAt *time.Time
	// NextRefreshAt is when the scheduler should next refresh this session.
	// It is placed a configured buffer ahead of ExpiresAt on save.
	NextRefreshAt *time.Time
	UpdatedAt     time.Time
}

// EncodeCookies serializes a cookie jar for storage as an opaque blob.
func EncodeCookies(cookies []Cookie) ([]byte, error) {
	data, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cookie jar: %w", err)
	}
	return data, nil
}

// DecodeCookies restores a cookie jar from its stored blob.
func DecodeCookies(data []byte) ([]Cookie, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cookie jar: %w", err)
	}
	return cookies, nil
}

// MinExpiration returns the earliest expiry among the named cookies. When
// names is empty every expiring cookie is considered. The second return is
// false when no considered cookie carries an expiry.
func MinExpiration(cookies []Cookie, names []string) (time.Time, bool) {
	var min time.Time
	found := false
	for _, c := range cookies {
		if c.Expires <= 0 || !nameMatches(c.Name, names) {
			continue
		}
		exp := time.Unix(int64(c.Expires), 0)
		if !found || exp.Before(min) {
			min = exp
			found = true
		}
	}
	return min, found
}

// Expired reports whether the jar no longer represents a usable session. A
// jar is expired when a required named cookie is missing entirely, or when
// the earliest relevant expiry is in the past.
func Expired(cookies []Cookie, names []string, now time.Time) bool {
	if len(cookies) == 0 {
		return true
	}
	for _, name := range names {
		if !jarContains(cookies, name) {
			return true
		}
	}
	if min, ok := MinExpiration(cookies, names); ok {
		return !min.After(now)
	}
	return false
}

func nameMatches(name string, names []string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func jarContains(cookies []Cookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}
