// Package auth loads Audible website sessions.
package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"

	"golang.org/x/net/publicsuffix"

	audible "github.com/iyear/goaudible"
)

const defaultCountryCode = "us"

// Session is a cookie based website session. It implements audible.Session.
type Session struct {
	locale  audible.Locale
	cookies map[string]string
}

var _ audible.Session = (*Session)(nil)

type Source func() (*Session, error)

// FromCookies creates a session from raw website cookies of the given marketplace.
func FromCookies(countryCode string, cookies map[string]string) Source {
	return func() (*Session, error) {
		return toSession(countryCode, cookies)
	}
}

// FromReader reads an auth file as written by the audible Python package.
func FromReader(r io.Reader) Source {
	return func() (*Session, error) {
		return fromAuthFile(r)
	}
}

// FromFile reads an auth file from disk, see FromReader.
func FromFile(path string) Source {
	return func() (*Session, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open auth file: %w", err)
		}
		defer func() { _ = f.Close() }()

		return fromAuthFile(f)
	}
}

func New(src Source) (*Session, error) {
	return src()
}

func (s *Session) Locale() audible.Locale {
	return s.locale
}

// WithLocale returns a copy of the session bound to another marketplace.
func (s *Session) WithLocale(l audible.Locale) *Session {
	return &Session{locale: l, cookies: s.cookies}
}

// CookieJar returns a fresh jar holding the session cookies for the Audible and Amazon
// domains of the marketplace.
func (s *Session) CookieJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("new cookie jar: %w", err)
	}

	for _, site := range []string{"audible", "amazon"} {
		domain := site + "." + s.locale.Domain
		cookies := make([]*http.Cookie, 0, len(s.cookies))
		for name, value := range s.cookies {
			cookies = append(cookies, &http.Cookie{
				Name:   name,
				Value:  value,
				Path:   "/",
				Domain: "." + domain,
			})
		}
		jar.SetCookies(&url.URL{Scheme: "https", Host: "www." + domain, Path: "/"}, cookies)
	}

	return jar, nil
}

type authFile struct {
	LocaleCode     string            `json:"locale_code"`
	WebsiteCookies map[string]string `json:"website_cookies"`
	// set when the file is encrypted
	Ciphertext string `json:"ciphertext"`
}

func fromAuthFile(r io.Reader) (*Session, error) {
	var f authFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode auth file: %w", err)
	}

	if f.Ciphertext != "" {
		return nil, fmt.Errorf("encrypted auth files are not supported")
	}

	if f.LocaleCode == "" {
		f.LocaleCode = defaultCountryCode
	}

	return toSession(f.LocaleCode, f.WebsiteCookies)
}

func toSession(countryCode string, cookies map[string]string) (*Session, error) {
	locale, err := audible.LocaleFor(countryCode)
	if err != nil {
		return nil, err
	}

	if len(cookies) == 0 {
		return nil, fmt.Errorf("no website cookies")
	}

	c := make(map[string]string, len(cookies))
	for k, v := range cookies {
		c[k] = v
	}

	return &Session{
		locale:  locale,
		cookies: c,
	}, nil
}
