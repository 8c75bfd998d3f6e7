package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// metadataHosts are cloud instance metadata services. A misconfigured
// scorer URL pointing at one would leak credentials into request logs.
var metadataHosts = []string{"metadata.google.internal", "metadata.google", "metadata"}

// ValidateServiceURL checks the URL of an internal service we call (the risk
// scorer, the review API). Private addresses are fine; metadata endpoints,
// link-local and unspecified addresses never are. Loopback is accepted only
// when allowLoopback is set (local development). Hostnames are not resolved.
func ValidateServiceURL(rawURL string, allowLoopback bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}

	host := u.Hostname()
	for _, b := range metadataHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}
	if strings.EqualFold(host, "localhost") {
		if !allowLoopback {
			return fmt.Errorf("loopback addresses are not allowed")
		}
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip, allowLoopback)
	}
	return nil
}

func checkIP(ip net.IP, allowLoopback bool) error {
	if ip.IsLoopback() && !allowLoopback {
		return fmt.Errorf("loopback addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local addresses are not allowed")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
