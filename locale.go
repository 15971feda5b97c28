package audible

import (
	"fmt"
	"strings"
)

// Locale is an Audible marketplace.
type Locale struct {
	// CountryCode is the short code used by the Audible apps, e.g. "us" or "uk".
	CountryCode string
	// Domain is the top level domain of the marketplace, e.g. "com" or "co.uk".
	Domain string
}

// Locales lists the known Audible marketplaces.
var Locales = []Locale{
	{CountryCode: "us", Domain: "com"},
	{CountryCode: "ca", Domain: "ca"},
	{CountryCode: "uk", Domain: "co.uk"},
	{CountryCode: "au", Domain: "com.au"},
	{CountryCode: "fr", Domain: "fr"},
	{CountryCode: "de", Domain: "de"},
	{CountryCode: "jp", Domain: "co.jp"},
	{CountryCode: "it", Domain: "it"},
	{CountryCode: "in", Domain: "in"},
	{CountryCode: "es", Domain: "es"},
	{CountryCode: "br", Domain: "com.br"},
}

// LocaleFor looks up a marketplace by country code. "gb" is accepted as an alias of "uk".
func LocaleFor(countryCode string) (Locale, error) {
	code := strings.ToLower(strings.TrimSpace(countryCode))
	if code == "gb" {
		code = "uk"
	}

	for _, l := range Locales {
		if l.CountryCode == code {
			return l, nil
		}
	}

	return Locale{}, fmt.Errorf("unknown locale: %q", countryCode)
}

// WebsiteHost returns the host of the marketplace website, e.g. www.audible.co.uk.
func (l Locale) WebsiteHost() string {
	return "www.audible." + l.Domain
}
