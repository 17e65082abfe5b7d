package security

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// OutboundURLOptions configures validation of backend endpoints.
type OutboundURLOptions struct {
	// AllowHTTP permits plain http and ws URLs. https and wss are always allowed.
	AllowHTTP bool
	// AllowLocalNetworks permits loopback/private/link-local IP targets and localhost hostnames.
	AllowLocalNetworks bool
}

// ValidateOutboundURL checks that rawURL is a request or websocket endpoint
// the client may talk to. Local network targets are rejected unless allowed.
func ValidateOutboundURL(rawURL string, opts OutboundURLOptions) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch parsed.Scheme {
	case "https", "wss":
	case "http", "ws":
		if !opts.AllowHTTP {
			return fmt.Errorf("%s scheme is not allowed", parsed.Scheme)
		}
	default:
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("URL host is required")
	}

	if !opts.AllowLocalNetworks {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
			return fmt.Errorf("local hostname %q is not allowed", host)
		}
	}

	// IP literals are checked without DNS lookups
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Zone() != "" && !opts.AllowLocalNetworks {
			return fmt.Errorf("zoned IP address %q is not allowed", host)
		}
		addr = addr.Unmap()

		if addr.IsUnspecified() || addr.IsMulticast() {
			return fmt.Errorf("disallowed IP address %q", host)
		}

		if !opts.AllowLocalNetworks {
			if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
				return fmt.Errorf("local network IP %q is not allowed", host)
			}
		}
	}

	return nil
}

// WebSocketScheme maps an http(s) scheme to its websocket counterpart.
func WebSocketScheme(scheme string) (string, error) {
	switch scheme {
	case "http", "ws":
		return "ws", nil
	case "https", "wss":
		return "wss", nil
	default:
		return "", fmt.Errorf("no websocket scheme for %q", scheme)
	}
}
