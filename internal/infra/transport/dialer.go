// Package transport dials TAK destinations over plain TCP or TLS.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/coachpo/takbridge/errs"
	"github.com/coachpo/takbridge/internal/domain/destination"
)

// Config controls socket level dial behaviour.
type Config struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// DefaultConfig returns conservative dial settings for TAK servers.
func DefaultConfig() Config {
	return Config{ConnectTimeout: 10 * time.Second, KeepAlive: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	return c
}

// Dialer opens connections to destinations.
type Dialer struct {
	mu     sync.RWMutex
	cfg    Config
	logger *log.Logger
}

// NewDialer constructs a dialer; zero config values fall back to defaults.
func NewDialer(cfg Config, logger *log.Logger) *Dialer {
	if logger == nil {
		logger = log.New(os.Stdout, "transport ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Dialer{mu: sync.RWMutex{}, cfg: cfg.withDefaults(), logger: logger}
}

// Config returns the active dial settings.
func (d *Dialer) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Reconfigure swaps dial settings for subsequent connections.
func (d *Dialer) Reconfigure(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

// Dial connects to dest, completing the TLS handshake for tls destinations.
func (d *Dialer) Dial(ctx context.Context, dest destination.Destination) (net.Conn, error) {
	cfg := d.Config()
	netDialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: cfg.KeepAlive}
	addr := dest.Address()

	switch dest.Transport {
	case destination.TransportTCP, "":
		conn, err := netDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, dialError(dest, err)
		}
		return conn, nil
	case destination.TransportTLS:
		tlsCfg, err := ClientTLSConfig(dest)
		if err != nil {
			return nil, err
		}
		if !dest.VerifyPeer {
			d.logger.Printf("tls peer verification disabled: destination=%d addr=%s", dest.ID, addr)
		}
		tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: tlsCfg}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, dialError(dest, err)
		}
		return conn, nil
	default:
		return nil, errs.New("transport/dial", errs.CodeInvalid,
			errs.WithDestination(dest.ID),
			errs.WithMessage(fmt.Sprintf("unsupported transport %q", dest.Transport)))
	}
}

func dialError(dest destination.Destination, err error) error {
	return errs.New("transport/dial", errs.CodeNetwork,
		errs.WithDestination(dest.ID),
		errs.WithMessage("dial "+dest.Address()),
		errs.WithCause(err))
}

// ClientTLSConfig builds the TLS client configuration for dest.
// CA material from the bundle is added on top of the system pool.
func ClientTLSConfig(dest destination.Destination) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         dest.Host,
		InsecureSkipVerify: !dest.VerifyPeer, //nolint:gosec // operator controlled per destination
	}
	if dest.ClientCert == nil {
		return cfg, nil
	}

	var (
		cert    tls.Certificate
		extraCA []*x509.Certificate
		err     error
	)
	switch dest.ClientCert.Format {
	case destination.CertFormatP12:
		cert, extraCA, err = loadPKCS12(dest.ClientCert.P12, dest.ClientCert.Password)
	case destination.CertFormatPEM, "":
		cert, err = tls.X509KeyPair(dest.ClientCert.Cert, dest.ClientCert.Key)
	default:
		err = fmt.Errorf("unsupported certificate format %q", dest.ClientCert.Format)
	}
	if err != nil {
		return nil, errs.New("transport/tls", errs.CodeInvalid,
			errs.WithDestination(dest.ID),
			errs.WithMessage("load client certificate"),
			errs.WithRemediation("check the certificate bundle and its password"),
			errs.WithCause(err))
	}
	cfg.Certificates = []tls.Certificate{cert}

	if len(dest.ClientCert.CA) == 0 && len(extraCA) == 0 {
		return cfg, nil
	}
	pool, poolErr := x509.SystemCertPool()
	if poolErr != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if len(dest.ClientCert.CA) > 0 && !pool.AppendCertsFromPEM(dest.ClientCert.CA) {
		return nil, errs.New("transport/tls", errs.CodeInvalid,
			errs.WithDestination(dest.ID),
			errs.WithMessage("parse CA certificate: invalid PEM data"))
	}
	for _, ca := range extraCA {
		pool.AddCert(ca)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// loadPKCS12 decodes an archive into the client key pair and any bundled CA certificates.
func loadPKCS12(data []byte, password string) (tls.Certificate, []*x509.Certificate, error) {
	if len(data) == 0 {
		return tls.Certificate{}, nil, errors.New("empty pkcs12 archive")
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("decode pkcs12: %w", err)
	}

	var keyPEM []byte
	var certBlocks []*pem.Block
	for _, block := range blocks {
		switch block.Type {
		case "CERTIFICATE":
			certBlocks = append(certBlocks, block)
		default:
			keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: block.Bytes})
		}
	}
	if keyPEM == nil || len(certBlocks) == 0 {
		return tls.Certificate{}, nil, errors.New("pkcs12 archive must contain a certificate and a private key")
	}

	// The leaf is whichever certificate matches the key; the rest are treated as CA material.
	for i := range certBlocks {
		var chain bytes.Buffer
		chain.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBlocks[i].Bytes}))
		pair, pairErr := tls.X509KeyPair(chain.Bytes(), keyPEM)
		if pairErr != nil {
			continue
		}
		var cas []*x509.Certificate
		for j, block := range certBlocks {
			if j == i {
				continue
			}
			ca, parseErr := x509.ParseCertificate(block.Bytes)
			if parseErr != nil {
				continue
			}
			cas = append(cas, ca)
		}
		return pair, cas, nil
	}
	return tls.Certificate{}, nil, errors.New("pkcs12 archive has no certificate matching its private key")
}
