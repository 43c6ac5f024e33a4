package executor

import (
	"net"
	"net/url"
	"strings"

	"github.com/foundryhq/foundry/common/errdefs"
)

// guardOutboundURL rejects targets a workflow-authored http node must not
// reach: non-HTTP schemes and addresses in loopback, private, link-local,
// multicast or unspecified ranges. Hostnames that fail to resolve pass; the
// request itself fails at dial time.
func guardOutboundURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errdefs.Wrap(errdefs.KindValidation, err, "invalid url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errdefs.Newf(errdefs.KindValidation, "url scheme %q is not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errdefs.New(errdefs.KindValidation, "url has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errdefs.Newf(errdefs.KindValidation, "host %q is blocked for outbound requests", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return guardIP(ip)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := guardIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func guardIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return errdefs.Newf(errdefs.KindValidation, "address %s is blocked for outbound requests", ip)
	}
	return nil
}
