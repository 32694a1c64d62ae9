package transform

import (
	"fmt"
	"net/url"
	"strings"

	"coverforge/internal/services"
)

// ValidateURL checks that a song URL is an absolute HTTP(S) address before
// any download is attempted. Downloading itself is left to the configured
// source tooling.
func ValidateURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, services.Wrap(services.ErrValidation, "source", "validate url", "url is empty", nil)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "source", "validate url", fmt.Sprintf("cannot parse %q", trimmed), err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, services.Wrap(services.ErrValidation, "source", "validate url", fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, services.Wrap(services.ErrValidation, "source", "validate url", fmt.Sprintf("%q has no host", trimmed), nil)
	}
	return u, nil
}
