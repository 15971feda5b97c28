package audible

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultReleaseTimeout = 30 * time.Second
)

// Session is an authenticated Audible website session.
type Session interface {
	// Locale returns the marketplace the session belongs to.
	Locale() Locale
	// CookieJar returns a jar holding the website cookies of the session.
	CookieJar() (http.CookieJar, error)
}

// Client talks to the Audible player-auth and licensing endpoints as the desktop download manager.
//
// A Client holds no per-request state and may be shared, but flows that run at the same time
// should use different sessions.
type Client struct {
	http           *http.Client
	transport      http.RoundTripper
	logger         *slog.Logger
	releaseTimeout time.Duration
}

type ClientOption func(*Client)

func defaultClientOptions() []ClientOption {
	return []ClientOption{
		WithHTTPClient(&http.Client{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithReleaseTimeout(defaultReleaseTimeout),
	}
}

// WithHTTPClient sets the base HTTP client. The client is copied and its jar is dropped,
// cookies only come from the session.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTransport sets the round tripper of the base HTTP client, whatever the order of options.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.transport = rt
	}
}

// WithLogger sets the logger of the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithReleaseTimeout bounds the final deregister call, which still runs after the caller's context is done.
func WithReleaseTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.releaseTimeout = d
	}
}

// NewClient creates a new Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{}

	for _, opt := range defaultClientOptions() {
		opt(c)
	}

	for _, opt := range opts {
		opt(c)
	}

	hc := *c.http
	hc.Jar = nil
	if c.transport != nil {
		hc.Transport = c.transport
	}
	c.http = &hc

	return c
}

// ActivationBytes fetches the activation bytes of the account behind session.
//
// If sink is not nil the raw license payload is written to it before parsing.
func (c *Client) ActivationBytes(ctx context.Context, session Session, sink io.Writer) (*Activation, error) {
	token, err := c.PlayerToken(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("get player token: %w", err)
	}

	act := &Activation{PlayerID: PlayerID()}
	err = c.withLicense(ctx, token, func(payload []byte) error {
		if err := writeSink(sink, payload); err != nil {
			return err
		}

		var perr error
		act.Bytes, act.Keys, perr = ParseActivationBytes(payload)
		return perr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch activation bytes: %w", err)
	}

	c.logger.Info("activation bytes retrieved",
		slog.String("locale", session.Locale().CountryCode),
		slog.Int("keys", len(act.Keys)))

	return act, nil
}

func writeSink(sink io.Writer, payload []byte) error {
	if sink == nil {
		return nil
	}
	if _, err := sink.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// get issues a GET request on hc and returns the response body.
func (c *Client) get(ctx context.Context, hc *http.Client, req *http.Request) (*http.Response, []byte, error) {
	resp, err := hc.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, &TransportError{Op: req.Method, URL: req.URL.String(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransportError{Op: req.Method, URL: req.URL.String(), Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug("request done",
		slog.String("url", req.URL.Host+req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Int("size", len(body)))

	return resp, body, nil
}
