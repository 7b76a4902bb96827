// Package auth owns marketplace authentication: the two-phase login state
// machine, encrypted session persistence, liveness validation and safe
// concurrent refresh.
package auth

import (
	"net/http"
	"time"

	"github.com/streetmarket/repricer/marketplace"
)

// SessionVersion is bumped whenever the plaintext schema changes, so old
// blobs can be detected instead of misparsed.
const SessionVersion = 2

// Cookie is one authentication cookie, persisted inside the encrypted
// blob.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Session is the decrypted credential bundle for one merchant account.
// The email/password pair stays plaintext-recoverable so expired sessions
// can be refreshed without operator involvement.
type Session struct {
	Version     int       `json:"version"`
	Cookies     []Cookie  `json:"cookies"`
	Email       string    `json:"email"`
	Password    string    `json:"password"`
	MerchantID  string    `json:"merchant_id"`
	ShopName    string    `json:"shop_name"`
	Stores      []marketplace.StoreLocation `json:"stores,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	SMSVerified bool      `json:"sms_verified,omitempty"`
}

// PartialSession is the intermediate value of a login that stopped at the
// SMS step. It lives only in the caller's hands; nothing partial is ever
// persisted.
type PartialSession struct {
	Cookies  []Cookie
	Email    string
	Password string
}

// HTTPCookies renders the session cookies for the wire.
func (s *Session) HTTPCookies() marketplace.SessionCookies {
	return toHTTPCookies(s.Cookies)
}

// HTTPCookies renders the partial session cookies for the SMS call.
func (p *PartialSession) HTTPCookies() marketplace.SessionCookies {
	return toHTTPCookies(p.Cookies)
}

func toHTTPCookies(cookies []Cookie) marketplace.SessionCookies {
	out := make(marketplace.SessionCookies, len(cookies))
	for i, c := range cookies {
		out[i] = &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
	}
	return out
}

func fromHTTPCookies(cookies []*http.Cookie) []Cookie {
	out := make([]Cookie, len(cookies))
	for i, c := range cookies {
		out[i] = Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
	}
	return out
}
