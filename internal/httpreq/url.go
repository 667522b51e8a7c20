package httpreq

import "strings"

// AltPort is inserted into plain-http transfer URLs when the default port
// appears to be filtered.
const AltPort = ":8080"

// IsPlainHTTP reports whether u uses unencrypted http.
func IsPlainHTTP(u string) bool {
	return strings.HasPrefix(u, "http:")
}

// hostBounds returns the index of the first '/' after the scheme and the
// index of a ':' after the scheme, or -1.
func hostBounds(u string) (slash, colon int) {
	const from = len("http://x")
	if len(u) <= from {
		return -1, -1
	}
	slash, colon = strings.IndexByte(u[from:], '/'), strings.IndexByte(u[from:], ':')
	if slash >= 0 {
		slash += from
	}
	if colon >= 0 {
		colon += from
	}
	return slash, colon
}

// WithAltPort returns u with AltPort added to its host, unless u is not
// plain http or already names a port.
func WithAltPort(u string) string {
	if !IsPlainHTTP(u) {
		return u
	}
	slash, colon := hostBounds(u)
	if slash < 0 || colon >= 0 {
		return u
	}
	return u[:slash] + AltPort + u[slash:]
}

// TogglePort adds AltPort to a plain-http URL without a port, or removes
// the port it has.
func TogglePort(u string) string {
	if !IsPlainHTTP(u) {
		return u
	}
	slash, colon := hostBounds(u)
	switch {
	case slash < 0:
		return u
	case colon < 0:
		return u[:slash] + AltPort + u[slash:]
	case colon < slash:
		return u[:colon] + u[slash:]
	}
	return u
}
