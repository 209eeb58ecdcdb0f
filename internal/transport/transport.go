// Package transport implements the TransportAdapter: best-effort delivery
// of single packets over QUIC's unreliable DATAGRAM extension (RFC 9221),
// deliberately not QUIC's reliable streams — LosslessChannel builds its own
// ordered reliability above this layer, so the substrate only needs to move
// bytes, drop under congestion, and preserve packet boundaries. Grounded on
// the teacher's QUIC listener/dialer setup (internal/network/quic.go),
// switched from AcceptStream/OpenStreamSync to SendDatagram/ReceiveDatagram.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

const MaxDatagramSize = 1400

// MaxConnsPerIP bounds accepted connections from a single source address;
// Listen applies it to every Adapter it creates.
const MaxConnsPerIP = 64

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devCert(seedLabel string) (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte(seedLabel))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devCert("groupwire-quic-server")
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"groupwire-ngc"}}, nil
}

func clientTLSConfig(insecure bool, serverDER []byte) (*tls.Config, error) {
	if insecure || serverDER == nil {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"groupwire-ngc"}}, nil
	}
	cert, err := x509.ParseCertificate(serverDER)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, NextProtos: []string{"groupwire-ngc"}}, nil
}

func datagramQUICConfig() *quic.Config {
	return &quic.Config{EnableDatagrams: true}
}

// Adapter is the engine's handle on one local UDP listener; it maintains a
// small pool of outbound QUIC connections (one per remote address) and
// funnels every inbound datagram, from every connection, through a single
// channel so the engine's event loop never blocks on network I/O.
type Adapter struct {
	listener *quic.Listener
	incoming chan Datagram
	limiter  *ipLimiter

	mu    chan struct{} // binary semaphore guarding outbound below
	outbound map[string]*quic.Conn
}

// Datagram is one received unreliable packet plus the address it arrived
// from, matching what the codec expects to Open.
type Datagram struct {
	From net.Addr
	Data []byte
}

func Listen(addr string) (*Adapter, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, datagramQUICConfig())
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		listener: listener,
		incoming: make(chan Datagram, 256),
		limiter:  newIPLimiter(MaxConnsPerIP),
		mu:       make(chan struct{}, 1),
		outbound: make(map[string]*quic.Conn),
	}
	go a.acceptLoop()
	return a, nil
}

func (a *Adapter) acceptLoop() {
	for {
		conn, err := a.listener.Accept(context.Background())
		if err != nil {
			close(a.incoming)
			return
		}
		ip := hostOf(conn.RemoteAddr())
		if !a.limiter.acquire(ip) {
			_ = conn.CloseWithError(0, "too many connections from this address")
			continue
		}
		go a.readLoop(conn, ip)
	}
}

func (a *Adapter) readLoop(conn *quic.Conn, acceptedFromIP string) {
	if acceptedFromIP != "" {
		defer a.limiter.release(acceptedFromIP)
	}
	for {
		data, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case a.incoming <- Datagram{From: conn.RemoteAddr(), Data: buf}:
		default:
			// Incoming queue saturated; drop rather than block the QUIC
			// connection's read loop.
		}
	}
}

// Recv blocks until a datagram arrives or ctx is cancelled.
func (a *Adapter) Recv(ctx context.Context) (Datagram, error) {
	select {
	case d, ok := <-a.incoming:
		if !ok {
			return Datagram{}, fmt.Errorf("transport: listener closed")
		}
		return d, nil
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// Send delivers one best-effort datagram to addr, dialing and caching a
// QUIC connection to that address on first use.
func (a *Adapter) Send(ctx context.Context, addr string, data []byte) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("transport: datagram exceeds max size %d", MaxDatagramSize)
	}
	conn, err := a.dial(ctx, addr)
	if err != nil {
		return err
	}
	return conn.SendDatagram(data)
}

func (a *Adapter) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	a.mu <- struct{}{}
	defer func() { <-a.mu }()

	if conn, ok := a.outbound[addr]; ok {
		return conn, nil
	}
	tlsConf, err := clientTLSConfig(true, nil)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, datagramQUICConfig())
	if err != nil {
		return nil, err
	}
	a.outbound[addr] = conn
	go a.readLoop(conn, "")
	return conn, nil
}

func (a *Adapter) Close() error {
	return a.listener.Close()
}
