package main

import (
	"net"
	"net/url"
	"strings"
)

// listenerURL renders a listener address as a URL an operator can paste into a
// client. Wildcard hosts are shown as localhost.
func listenerURL(scheme, address string) string {
	if scheme == "" {
		scheme = "tcp"
	}
	u := url.URL{Scheme: scheme, Host: normaliseHostPort(address)}
	return u.String()
}

func normaliseHostPort(address string) string {
	address = strings.TrimSpace(address)
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		//1.- No port: keep whatever host was configured.
		if address == "" {
			return "localhost"
		}
		return address
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
