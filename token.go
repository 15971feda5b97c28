package audible

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

const (
	playerTokenPath  = "/player-auth-token"
	playerTokenParam = "playerToken"
	maxRedirects     = 10
)

var errTooManyRedirects = fmt.Errorf("stopped after %d redirects", maxRedirects)

func playerTokenQuery() url.Values {
	return url.Values{
		"ipRedirectOverride": {"true"},
		"playerType":         {"software"},
		"bp_ua":              {"y"},
		"playerModel":        {"Desktop"},
		"playerId":           {PlayerID()},
		"playerManufacturer": {"Audible"},
		"serial":             {""},
	}
}

// PlayerToken requests a customer token for the desktop player from the marketplace of session.
//
// The token is handed out through a redirect, it is only valid for a single license exchange.
func (c *Client) PlayerToken(ctx context.Context, session Session) (string, error) {
	jar, err := session.CookieJar()
	if err != nil {
		return "", fmt.Errorf("get cookie jar: %w", err)
	}

	u := &url.URL{
		Scheme:   "https",
		Host:     session.Locale().WebsiteHost(),
		Path:     playerTokenPath,
		RawQuery: playerTokenQuery().Encode(),
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	// non canonical on purpose, the desktop app sends it lower case
	req.Header["auth_mode"] = []string{"cookies"}

	hc := *c.http
	hc.Jar = jar
	hc.CheckRedirect = stopAtPlayerToken

	resp, _, err := c.get(ctx, &hc, req)
	if errors.Is(err, errTooManyRedirects) {
		return "", &ProtocolError{URL: u.Host + u.Path, Reason: errTooManyRedirects.Error() + " without " + playerTokenParam}
	}
	if err != nil {
		return "", err
	}

	landed := landedURL(resp)
	token := landed.Query()[playerTokenParam]
	if len(token) == 0 {
		return "", &ProtocolError{URL: landed.Host + landed.Path, Reason: "no " + playerTokenParam + " in redirect"}
	}

	c.logger.Debug("player token acquired", slog.String("host", u.Host))

	return token[0], nil
}

func stopAtPlayerToken(req *http.Request, via []*http.Request) error {
	if req.URL.Query().Has(playerTokenParam) {
		return http.ErrUseLastResponse
	}
	if len(via) >= maxRedirects {
		return errTooManyRedirects
	}
	return nil
}

// landedURL returns the URL the redirect chain ended on.
// When following stopped early the target is taken from the Location header.
func landedURL(resp *http.Response) *url.URL {
	u := resp.Request.URL
	if u.Query().Has(playerTokenParam) {
		return u
	}
	if loc, err := resp.Location(); err == nil {
		return loc
	}
	return u
}
