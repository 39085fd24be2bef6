package connwatch

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// DialProbe reports whether a TCP connection to the host of rawURL can
// be opened. The chat gateway has no cheap health endpoint, so a dial
// is the check.
func DialProbe(rawURL string) ProbeFunc {
	return func(ctx context.Context) error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("parse %q: %w", rawURL, err)
		}
		host := u.Host
		if u.Port() == "" {
			port := "80"
			if u.Scheme == "https" || u.Scheme == "wss" {
				port = "443"
			}
			host = net.JoinHostPort(u.Hostname(), port)
		}

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
