package quictransport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// ServerConfig returns a TLS configuration for a local HTTP/3 endpoint.
// Uses a self-signed certificate; only suitable for tests and loopback use.
func ServerConfig() *tls.Config {
	cert, err := generateSelfSignedCert()
	if err != nil {
		panic("failed to generate self-signed certificate: " + err.Error())
	}

	return http3.ConfigureTLSConfig(&tls.Config{
		Certificates: []tls.Certificate{cert},
	})
}

// ClientConfig returns a TLS configuration for HTTP/3 transfers.
// insecureSkipVerify disables certificate checks for loopback endpoints.
func ClientConfig(insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify,
		NextProtos:         []string{http3.NextProtoH3},
	}
}

// DefaultClientQUICConfig returns the QUIC config used for transfer
// connections. Stream windows are sized for multi-megabyte ranges.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// NewRoundTripper returns an HTTP/3 transport. Nil configs select the
// defaults above.
func NewRoundTripper(tlsConf *tls.Config, quicConf *quic.Config) *http3.Transport {
	if tlsConf == nil {
		tlsConf = ClientConfig(false)
	}
	if quicConf == nil {
		quicConf = DefaultClientQUICConfig()
	}
	return &http3.Transport{
		TLSClientConfig: tlsConf,
		QUICConfig:      quicConf,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"cloudxfer"},
		},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}
