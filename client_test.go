package audible

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	locale  Locale
	cookies map[string]string
}

func newFakeSession() fakeSession {
	return fakeSession{
		locale:  Locale{CountryCode: "us", Domain: "com"},
		cookies: map[string]string{"session-id": "123-456"},
	}
}

func (s fakeSession) Locale() Locale { return s.locale }

func (s fakeSession) CookieJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	cookies := make([]*http.Cookie, 0, len(s.cookies))
	for k, v := range s.cookies {
		cookies = append(cookies, &http.Cookie{Name: k, Value: v, Path: "/"})
	}
	jar.SetCookies(&url.URL{Scheme: "https", Host: s.locale.WebsiteHost(), Path: "/"}, cookies)

	return jar, nil
}

// rewriteTransport sends every request to target while keeping the original URL visible to the client.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = ""

	resp, err := http.DefaultTransport.RoundTrip(r)
	if resp != nil {
		resp.Request = req
	}
	return resp, err
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func textResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

// fakeAudible records the license calls it receives.
type fakeAudible struct {
	t       *testing.T
	payload []byte

	mu    sync.Mutex
	calls []string
}

func (f *fakeAudible) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAudible) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAudible) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/player-auth-token", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(f.t, "cookies", r.Header.Get("auth_mode"))
		assert.Equal(f.t, "true", q.Get("ipRedirectOverride"))
		assert.Equal(f.t, "software", q.Get("playerType"))
		assert.Equal(f.t, "y", q.Get("bp_ua"))
		assert.Equal(f.t, "Desktop", q.Get("playerModel"))
		assert.Equal(f.t, PlayerID(), q.Get("playerId"))
		assert.Equal(f.t, "Audible", q.Get("playerManufacturer"))
		assert.True(f.t, q.Has("serial"))
		assert.Equal(f.t, "", q.Get("serial"))

		if c, err := r.Cookie("session-id"); err != nil || c.Value != "123-456" {
			http.Redirect(w, r, "/signin", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/player-auth-token/landing", http.StatusFound)
	})

	mux.HandleFunc("/player-auth-token/landing", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/?playerToken=tok-1&playerToken=tok-2", http.StatusFound)
	})

	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("please sign in"))
	})

	mux.HandleFunc("/license/licenseForCustomerToken", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(f.t, downloadManagerUA, r.UserAgent())
		assert.Equal(f.t, "tok-1", q.Get("customer_token"))

		if q.Get("action") == "de-register" {
			f.record("de-register")
			_, _ = w.Write([]byte("deregistered"))
			return
		}

		f.record("register")
		_, _ = w.Write(f.payload)
	})

	return mux
}

func newFakeAudible(t *testing.T, payload []byte) (*fakeAudible, *Client) {
	f := &fakeAudible{t: t, payload: payload}

	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	return f, NewClient(WithTransport(rewriteTransport{target: target}))
}

func TestActivationBytes(t *testing.T) {
	payload := licensePayload("", patternTable(keyTableSize))
	f, client := newFakeAudible(t, payload)

	sink := bytes.NewBuffer(nil)
	act, err := client.ActivationBytes(context.Background(), newFakeSession(), sink)
	require.NoError(t, err)

	assert.Equal(t, "03020100", act.Bytes)
	assert.Equal(t, PlayerID(), act.PlayerID)
	assert.Len(t, act.Keys, KeyCount)
	assert.Equal(t, payload, sink.Bytes())
	assert.Equal(t, []string{"de-register", "register", "de-register"}, f.Calls())
}

func TestActivationBytesInvalidPayload(t *testing.T) {
	payload := []byte("BAD_LOGIN group_id")
	f, client := newFakeAudible(t, payload)

	sink := bytes.NewBuffer(nil)
	_, err := client.ActivationBytes(context.Background(), newFakeSession(), sink)
	require.Error(t, err)

	var pe *InvalidPayloadError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, payload, pe.Payload)

	// the payload is dumped before parsing and the player is still released
	assert.Equal(t, payload, sink.Bytes())
	assert.Equal(t, []string{"de-register", "register", "de-register"}, f.Calls())
}

func TestPlayerToken(t *testing.T) {
	_, client := newFakeAudible(t, nil)

	token, err := client.PlayerToken(context.Background(), newFakeSession())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestPlayerTokenNotLoggedIn(t *testing.T) {
	f, client := newFakeAudible(t, nil)

	session := newFakeSession()
	session.cookies = map[string]string{"other": "cookie"}

	_, err := client.PlayerToken(context.Background(), session)
	require.Error(t, err)

	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)

	_, err = client.ActivationBytes(context.Background(), session, nil)
	assert.ErrorAs(t, err, &pe)
	assert.Empty(t, f.Calls())
}

func TestPlayerTokenRegionalDomain(t *testing.T) {
	var host string
	client := NewClient(WithTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		host = req.URL.Host
		resp := textResponse(req, http.StatusFound, "")
		resp.Header.Set("Location", "audible://player?playerToken=uk-token")
		return resp, nil
	})))

	session := newFakeSession()
	session.locale = Locale{CountryCode: "uk", Domain: "co.uk"}

	token, err := client.PlayerToken(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "uk-token", token)
	assert.Equal(t, "www.audible.co.uk", host)
}

func TestFetchLicense(t *testing.T) {
	payload := licensePayload("", patternTable(keyTableSize))
	f, client := newFakeAudible(t, payload)

	license, err := client.FetchLicense(context.Background(), "tok-1", nil)
	require.NoError(t, err)
	assert.Equal(t, payload, license)
	assert.Equal(t, []string{"de-register", "register", "de-register"}, f.Calls())
}

// licenseCalls returns a transport answering license calls and the list of calls it saw.
func licenseCalls(register func(req *http.Request) (*http.Response, error)) (http.RoundTripper, *[]string) {
	var calls []string
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("action") == "de-register" {
			calls = append(calls, "de-register")
			return textResponse(req, http.StatusOK, ""), nil
		}
		calls = append(calls, "register")
		return register(req)
	}), &calls
}

func TestFetchLicenseTransportError(t *testing.T) {
	rt, calls := licenseCalls(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset")
	})
	client := NewClient(WithTransport(rt))

	_, err := client.FetchLicense(context.Background(), "tok", nil)
	require.Error(t, err)

	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, []string{"de-register", "register", "de-register"}, *calls)
}

func TestFetchLicenseReleaseAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := licensePayload("", patternTable(keyTableSize))
	rt, calls := licenseCalls(func(req *http.Request) (*http.Response, error) {
		cancel()
		return textResponse(req, http.StatusOK, string(payload)), nil
	})
	client := NewClient(WithTransport(rt))

	license, err := client.FetchLicense(ctx, "tok", nil)
	require.NoError(t, err)
	assert.Equal(t, payload, license)
	assert.Equal(t, []string{"de-register", "register", "de-register"}, *calls)
}

func TestFetchLicenseReleaseError(t *testing.T) {
	var calls int
	client := NewClient(WithTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 3 {
			return nil, errors.New("release failed")
		}
		return textResponse(req, http.StatusOK, "group_id"), nil
	})))

	_, err := client.FetchLicense(context.Background(), "tok", nil)
	require.Error(t, err)

	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "deregister")
	assert.Equal(t, 3, calls)
}

func TestFetchLicenseClearFails(t *testing.T) {
	var calls int
	client := NewClient(WithTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("offline")
	})))

	_, err := client.FetchLicense(context.Background(), "tok", nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestFetchLicenseSinkError(t *testing.T) {
	rt, calls := licenseCalls(func(req *http.Request) (*http.Response, error) {
		return textResponse(req, http.StatusOK, "group_id"), nil
	})
	client := NewClient(WithTransport(rt))

	_, err := client.FetchLicense(context.Background(), "tok", failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"de-register", "register", "de-register"}, *calls)
}

func TestStopAtPlayerToken(t *testing.T) {
	withToken, err := http.NewRequest(http.MethodGet, "https://www.audible.com/?playerToken=x", nil)
	require.NoError(t, err)
	without, err := http.NewRequest(http.MethodGet, "https://www.audible.com/", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, stopAtPlayerToken(withToken, nil), http.ErrUseLastResponse)
	assert.NoError(t, stopAtPlayerToken(without, nil))
	assert.ErrorIs(t, stopAtPlayerToken(without, make([]*http.Request, maxRedirects)), errTooManyRedirects)
}

func TestPlayerTokenRedirectLoop(t *testing.T) {
	var hops int
	client := NewClient(WithTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		hops++
		resp := textResponse(req, http.StatusFound, "")
		resp.Header.Set("Location", "/loop")
		return resp, nil
	})))

	_, err := client.PlayerToken(context.Background(), newFakeSession())
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "redirects")

	var te *TransportError
	assert.False(t, errors.As(err, &te))
	assert.Equal(t, maxRedirects, hops)
}

func TestNewClientOptionOrder(t *testing.T) {
	rt, calls := licenseCalls(func(req *http.Request) (*http.Response, error) {
		return textResponse(req, http.StatusOK, "group_id"), nil
	})

	// the transport survives a later base client
	client := NewClient(WithTransport(rt), WithHTTPClient(&http.Client{}))

	_, err := client.FetchLicense(context.Background(), "tok", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"de-register", "register", "de-register"}, *calls)
}

func TestFetchLicenseIgnoresClientJar(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	jar.SetCookies(&url.URL{Scheme: "https", Host: "www.audible.com", Path: "/"},
		[]*http.Cookie{{Name: "session-id", Value: "leaked", Path: "/"}})

	base := &http.Client{Jar: jar}
	rt, calls := licenseCalls(func(req *http.Request) (*http.Response, error) {
		return textResponse(req, http.StatusOK, "group_id"), nil
	})
	cookieCheck := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Empty(t, req.Header.Get("Cookie"))
		return rt.RoundTrip(req)
	})

	client := NewClient(WithHTTPClient(base), WithTransport(cookieCheck))

	_, err = client.FetchLicense(context.Background(), "tok", nil)
	require.NoError(t, err)
	assert.Len(t, *calls, 3)

	// the caller's client is left alone
	assert.Equal(t, jar, base.Jar)
	assert.Nil(t, base.Transport)
}
