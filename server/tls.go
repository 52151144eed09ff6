package server

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// BuildTLSConfig returns a tls.Config of the given client certificate,
// private key, and trusted CA files. Each argument may be empty, in which
// case the corresponding tls.Config field is left at its default.
func BuildTLSConfig(certFile, keyFile, trustedCAFile string) (*tls.Config, error) {
	var cfg = new(tls.Config)

	if certFile != "" || keyFile != "" {
		var cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if trustedCAFile != "" {
		var pem, err = os.ReadFile(trustedCAFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read trusted CA file")
		}
		var pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("trusted CA file contains no usable certificates")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
