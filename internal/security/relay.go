package security

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateRelayURL checks that raw is a usable websocket relay address.
// Plain ws:// is only accepted for loopback and .onion hosts, which the
// proxy or the local machine protect.
func ValidateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid relay URL")
	}
	if u.Host == "" {
		return fmt.Errorf("relay URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("relay URL must not carry credentials")
	}
	host := u.Hostname()
	switch u.Scheme {
	case "wss":
		return nil
	case "ws":
		if host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".onion") {
			return nil
		}
		return fmt.Errorf("relay %q must use wss", host)
	default:
		return fmt.Errorf("relay URL scheme must be ws or wss")
	}
}
