package flag

import (
	"net/http"
	"time"
)

// CookieOptions describes the browser side of the flag.
type CookieOptions struct {
	Name   string
	Path   string
	MaxAge time.Duration
	Secure bool
}

func (o CookieOptions) withDefaults() CookieOptions {
	if o.Name == "" {
		o.Name = "verified"
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultTTL
	}
	return o
}

// NewCookie returns the cookie that records a verification in the browser.
func NewCookie(opts CookieOptions, now time.Time) *http.Cookie {
	opts = opts.withDefaults()
	return &http.Cookie{
		Name:     opts.Name,
		Value:    "true",
		Path:     opts.Path,
		MaxAge:   int(opts.MaxAge / time.Second),
		Expires:  now.Add(opts.MaxAge).UTC(),
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// HasCookie reports whether r carries the verification cookie.
func HasCookie(r *http.Request, opts CookieOptions) bool {
	opts = opts.withDefaults()
	c, err := r.Cookie(opts.Name)
	return err == nil && c.Value == "true"
}
