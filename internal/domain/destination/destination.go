// Package destination defines TAK server descriptors and their persistence contract.
package destination

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Transport enumerates the wire transports a destination can use.
type Transport string

const (
	// TransportTCP is a plain, unencrypted TCP stream.
	TransportTCP Transport = "tcp"
	// TransportTLS is a TLS-wrapped TCP stream, optionally with a client certificate.
	TransportTLS Transport = "tls"
)

// ParseTransport normalises a transport label; unknown values are rejected.
func ParseTransport(raw string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "tcp", "stcp":
		return TransportTCP, nil
	case "tls", "ssl":
		return TransportTLS, nil
	default:
		return "", fmt.Errorf("unknown transport %q", raw)
	}
}

// CertFormat identifies how client certificate material is encoded.
type CertFormat string

const (
	// CertFormatPEM carries PEM-encoded certificate, key and optional CA blocks.
	CertFormatPEM CertFormat = "pem"
	// CertFormatP12 carries a PKCS#12 archive protected by Password.
	CertFormatP12 CertFormat = "p12"
)

// CertBundle holds client certificate material for TLS destinations.
type CertBundle struct {
	Format   CertFormat `json:"format" yaml:"format"`
	Cert     []byte     `json:"cert,omitempty" yaml:"cert,omitempty"`
	Key      []byte     `json:"key,omitempty" yaml:"key,omitempty"`
	CA       []byte     `json:"ca,omitempty" yaml:"ca,omitempty"`
	P12      []byte     `json:"p12,omitempty" yaml:"p12,omitempty"`
	Password string     `json:"-" yaml:"password,omitempty"`
}

// Destination is a read-only descriptor of a TAK server handed to a delivery worker.
type Destination struct {
	ID         int64       `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Host       string      `json:"host" yaml:"host"`
	Port       int         `json:"port" yaml:"port"`
	Transport  Transport   `json:"transport" yaml:"transport"`
	VerifyPeer bool        `json:"verify_peer" yaml:"verifyPeer"`
	ClientCert *CertBundle `json:"-" yaml:"clientCert,omitempty"`
	Enabled    bool        `json:"enabled" yaml:"enabled"`
}

// Address returns the host:port dial target.
func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// DisplayName returns the configured name or a generated one.
func (d Destination) DisplayName() string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	return "tak-" + strconv.FormatInt(d.ID, 10)
}

// Validate checks the descriptor is usable by a worker.
func (d Destination) Validate() error {
	if d.ID <= 0 {
		return fmt.Errorf("destination id must be > 0")
	}
	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("destination %d: host required", d.ID)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("destination %d: port %d out of range", d.ID, d.Port)
	}
	switch d.Transport {
	case TransportTCP, TransportTLS:
	default:
		return fmt.Errorf("destination %d: unknown transport %q", d.ID, d.Transport)
	}
	if d.ClientCert != nil && d.Transport != TransportTLS {
		return fmt.Errorf("destination %d: client certificate requires tls transport", d.ID)
	}
	return nil
}

// Normalise trims whitespace and fills defaults.
func (d *Destination) Normalise() {
	if d == nil {
		return
	}
	d.Name = strings.TrimSpace(d.Name)
	d.Host = strings.TrimSpace(d.Host)
	if d.Transport == "" {
		d.Transport = TransportTCP
	}
	if d.ClientCert != nil && d.ClientCert.Format == "" {
		if len(d.ClientCert.P12) > 0 {
			d.ClientCert.Format = CertFormatP12
		} else {
			d.ClientCert.Format = CertFormatPEM
		}
	}
}

// ErrNotFound indicates the requested destination is not known to the store.
var ErrNotFound = errors.New("destination not found")

// Store abstracts persistence of destination descriptors.
type Store interface {
	LoadDestinations(ctx context.Context) ([]Destination, error)
	LoadDestination(ctx context.Context, id int64) (Destination, error)
	SaveDestination(ctx context.Context, dest Destination) error
	DeleteDestination(ctx context.Context, id int64) error
}
