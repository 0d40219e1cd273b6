package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpnProtocol     = "ddoc-rpc"
	certValidityDays = 365
	keepAlivePeriod  = 10 * time.Second
)

// --------------------------------------------------------------------------
// Stream connection
// --------------------------------------------------------------------------

// streamConn is one bidirectional stream of a QUIC connection used as a
// net.Conn. Every rpc connection opens exactly one stream.
type streamConn struct {
	*quic.Stream
	conn      *quic.Conn
	closeOnce sync.Once
}

func newStreamConn(conn *quic.Conn, stream *quic.Stream) net.Conn {
	return &streamConn{Stream: stream, conn: conn}
}

func (c *streamConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the stream and the connection it belongs to
func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Stream.Close()
		_ = c.conn.CloseWithError(0, "closed")
	})
	return err
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// streamListener accepts QUIC connections and yields their first stream
type streamListener struct {
	ln     *quic.Listener
	conns  chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func newStreamListener(ln *quic.Listener) *streamListener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &streamListener{
		ln:     ln,
		conns:  make(chan net.Conn),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.acceptLoop()
	return l
}

func (l *streamListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				Logger.Errorf("Accept error: %v", err)
			}
			return
		}
		// the stream shows up with the first request, a slow peer must not
		// block other connections
		go func() {
			stream, err := conn.AcceptStream(l.ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			select {
			case l.conns <- newStreamConn(conn, stream):
			case <-l.ctx.Done():
				_ = conn.CloseWithError(0, "server closed")
			}
		}()
	}
}

func (l *streamListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *streamListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *streamListener) Addr() net.Addr {
	return l.ln.Addr()
}

// --------------------------------------------------------------------------
// TLS
// --------------------------------------------------------------------------

// serverTLSConfig loads the configured certificate or generates a self
// signed one
func serverTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if certFile != "" || keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
	} else {
		Logger.Warningf("No TLS certificate configured, using a self signed certificate")
		cert, err = generateSelfSignedCert()
	}
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"dDoc"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidityDays * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
