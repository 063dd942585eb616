package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/takbridge/errs"
	"github.com/coachpo/takbridge/internal/domain/destination"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func newTestDialer() *Dialer {
	return NewDialer(Config{ConnectTimeout: 2 * time.Second}, log.New(io.Discard, "", 0))
}

// startTLSServer accepts one mutually authenticated connection and replies "ok".
func startTLSServer(t *testing.T) (host string, port int) {
	t.Helper()
	serverCert, err := tls.X509KeyPair(readFixture(t, "server.pem"), readFixture(t, "server.key"))
	require.NoError(t, err)
	clientCAs := x509.NewCertPool()
	require.True(t, clientCAs.AppendCertsFromPEM(readFixture(t, "ca.pem")))

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    clientCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if err := c.(*tls.Conn).Handshake(); err != nil {
					return
				}
				_, _ = c.Write([]byte("ok\n"))
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func expectGreeting(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ok\n", line)
}

func TestDialPlainTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("ok\n"))
		_ = conn.Close()
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := newTestDialer().Dial(context.Background(), destination.Destination{ID: 1, Host: "127.0.0.1", Port: port, Transport: destination.TransportTCP})
	require.NoError(t, err)
	defer conn.Close()
	expectGreeting(t, conn)
}

func TestDialRefusedIsNetworkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = newTestDialer().Dial(context.Background(), destination.Destination{ID: 5, Host: "127.0.0.1", Port: port, Transport: destination.TransportTCP})
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeNetwork))
	require.Contains(t, err.Error(), "destination="+strconv.Itoa(5))
}

func TestDialTLSWithPEMBundle(t *testing.T) {
	host, port := startTLSServer(t)
	dest := destination.Destination{
		ID: 2, Host: host, Port: port, Transport: destination.TransportTLS, VerifyPeer: true,
		ClientCert: &destination.CertBundle{
			Format: destination.CertFormatPEM,
			Cert:   readFixture(t, "client.pem"),
			Key:    readFixture(t, "client.key"),
			CA:     readFixture(t, "ca.pem"),
		},
	}
	conn, err := newTestDialer().Dial(context.Background(), dest)
	require.NoError(t, err)
	defer conn.Close()
	expectGreeting(t, conn)
}

func TestDialTLSWithPKCS12Bundle(t *testing.T) {
	host, port := startTLSServer(t)
	dest := destination.Destination{
		ID: 3, Host: host, Port: port, Transport: destination.TransportTLS, VerifyPeer: true,
		ClientCert: &destination.CertBundle{
			Format:   destination.CertFormatP12,
			P12:      readFixture(t, "client.p12"),
			Password: "atakatak",
		},
	}
	conn, err := newTestDialer().Dial(context.Background(), dest)
	require.NoError(t, err)
	defer conn.Close()
	expectGreeting(t, conn)
}

func TestDialTLSRejectsUnknownServerWhenVerifying(t *testing.T) {
	host, port := startTLSServer(t)
	dest := destination.Destination{
		ID: 4, Host: host, Port: port, Transport: destination.TransportTLS, VerifyPeer: true,
		ClientCert: &destination.CertBundle{
			Format: destination.CertFormatPEM,
			Cert:   readFixture(t, "client.pem"),
			Key:    readFixture(t, "client.key"),
		},
	}
	_, err := newTestDialer().Dial(context.Background(), dest)
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeNetwork))
}

func TestClientTLSConfig(t *testing.T) {
	cfg, err := ClientTLSConfig(destination.Destination{ID: 1, Host: "tak.example.org", Transport: destination.TransportTLS})
	require.NoError(t, err)
	require.True(t, cfg.InsecureSkipVerify)
	require.Equal(t, "tak.example.org", cfg.ServerName)
	require.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.Empty(t, cfg.Certificates)

	_, err = ClientTLSConfig(destination.Destination{ID: 1, Host: "h", Transport: destination.TransportTLS,
		ClientCert: &destination.CertBundle{Format: destination.CertFormatP12, P12: readFixture(t, "client.p12"), Password: "wrong"}})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = ClientTLSConfig(destination.Destination{ID: 1, Host: "h", Transport: destination.TransportTLS,
		ClientCert: &destination.CertBundle{Format: destination.CertFormatPEM, Cert: readFixture(t, "client.pem"), Key: readFixture(t, "client.key"), CA: []byte("junk")}})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	cert, cas, err := loadPKCS12(readFixture(t, "client.p12"), "atakatak")
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)
	require.Len(t, cas, 1)
	require.Equal(t, "takbridge-test-ca", cas[0].Subject.CommonName)
}

func TestDialUnsupportedTransport(t *testing.T) {
	_, err := newTestDialer().Dial(context.Background(), destination.Destination{ID: 1, Host: "h", Port: 1, Transport: "udp"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestDialerReconfigureFillsDefaults(t *testing.T) {
	d := newTestDialer()
	require.Equal(t, 2*time.Second, d.Config().ConnectTimeout)
	require.Equal(t, 30*time.Second, d.Config().KeepAlive)

	d.Reconfigure(Config{ConnectTimeout: 500 * time.Millisecond})
	require.Equal(t, 500*time.Millisecond, d.Config().ConnectTimeout)
	require.Equal(t, DefaultConfig().KeepAlive, d.Config().KeepAlive)
}
