package httpreq

import (
	"net"
	"net/http"
	"time"

	"github.com/sheerbytes/cloudxfer/internal/quictransport"
)

// ClientOptions configures the HTTP client shared by transfer requests.
type ClientOptions struct {
	// HTTP3 routes https transfer URLs over QUIC.
	HTTP3 bool
	// InsecureSkipVerify disables certificate checks on the HTTP/3 path.
	InsecureSkipVerify bool
	// MaxConnsPerHost bounds parallel connections to one storage host.
	MaxConnsPerHost int
}

// Doer issues one HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient returns the client used for chunk requests. It has no overall
// timeout: transfers are long-lived and the slot engine detects stalls from
// the time of the last received byte.
func NewClient(opts ClientOptions) *http.Client {
	maxConns := opts.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = 8
	}
	h1 := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   maxConns,
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	if !opts.HTTP3 {
		return &http.Client{Transport: h1}
	}
	h3 := quictransport.NewRoundTripper(quictransport.ClientConfig(opts.InsecureSkipVerify), nil)
	return &http.Client{Transport: &schemeTransport{https: h3, fallback: h1}}
}

// schemeTransport sends https requests over https and everything else over
// fallback.
type schemeTransport struct {
	https    http.RoundTripper
	fallback http.RoundTripper
}

func (s *schemeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "https" {
		return s.https.RoundTrip(req)
	}
	return s.fallback.RoundTrip(req)
}
