package audible

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// LicenseURL is the licensing endpoint of the desktop download manager. It is the same for all marketplaces.
const LicenseURL = "https://www.audible.com/license/licenseForCustomerToken"

// downloadManagerUA is checked by the licensing endpoint.
const downloadManagerUA = "Audible Download Manager"

// FetchLicense registers the player with token and returns the raw license payload.
//
// The player is deregistered before and after the registration. If sink is not nil the payload
// is written to it before validation.
func (c *Client) FetchLicense(ctx context.Context, token string, sink io.Writer) ([]byte, error) {
	var license []byte
	err := c.withLicense(ctx, token, func(payload []byte) error {
		if err := writeSink(sink, payload); err != nil {
			return err
		}
		if err := ValidatePayload(payload); err != nil {
			return err
		}

		license = payload
		return nil
	})
	if err != nil {
		return nil, err
	}

	return license, nil
}

// withLicense brackets use between a registration and a deregistration of the player.
//
// A stale registration is cleared first. The final deregistration runs whatever use returns,
// also after ctx is done, and its error is joined with the one of use.
func (c *Client) withLicense(ctx context.Context, token string, use func(payload []byte) error) (err error) {
	if err = c.deregister(ctx, token); err != nil {
		return fmt.Errorf("clear registration: %w", err)
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.releaseTimeout)
		defer cancel()

		if rerr := c.deregister(rctx, token); rerr != nil {
			c.logger.Warn("deregister failed", slog.Any("error", rerr))
			err = errors.Join(err, fmt.Errorf("deregister: %w", rerr))
		}
	}()

	payload, err := c.register(ctx, token)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	c.logger.Debug("license payload received", slog.Int("size", len(payload)))

	return use(payload)
}

func (c *Client) register(ctx context.Context, token string) ([]byte, error) {
	return c.callLicense(ctx, url.Values{"customer_token": {token}})
}

// deregister releases the license slot of the player, the response carries nothing of interest.
func (c *Client) deregister(ctx context.Context, token string) error {
	_, err := c.callLicense(ctx, url.Values{
		"customer_token": {token},
		"action":         {"de-register"},
	})
	return err
}

func (c *Client) callLicense(ctx context.Context, q url.Values) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, LicenseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", downloadManagerUA)

	_, body, err := c.get(ctx, c.http, req)
	if err != nil {
		return nil, err
	}

	return body, nil
}
