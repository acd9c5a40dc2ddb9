package connhandler

import (
	"crypto/tls"
	"log"
	"net"
	"time"

	"golang.org/x/net/netutil"
)

// readTimeout bounds how long an idle connection may go without a read
// succeeding, per spec section 4.8 ("~60s").
const readTimeout = 60 * time.Second

const keepAlivePeriod = 3 * time.Minute

// Listener accepts transport-secured connections, bounds their count, and
// spawns one Handler per accepted socket. Grounded on the teacher's
// server/shutdown.go tcpGracefulListener/listenAndServe shape.
type Listener struct {
	ln   net.Listener
	deps Deps
}

// NewTLS builds a Listener bound to addr, serving TLS certificates loaded
// from certFile/keyFile, capped at maxConnections concurrent connections.
// TLS is the default deployment mode (spec section 4.8); plaintext is a
// diagnostic fallback handled by NewPlaintext.
func NewTLS(addr, certFile, keyFile string, maxConnections int, deps Deps) (*Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	bounded := netutil.LimitListener(tcpLn, maxConnections)

	tlsLn := tls.NewListener(keepAliveListener{bounded}, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})

	return &Listener{ln: tlsLn, deps: deps}, nil
}

// NewPlaintext builds an unencrypted Listener. Per spec section 4.8 this
// is a diagnostic convenience only; callers should gate it behind an
// explicit operator flag (AllowPlaintext in internal/config), never use it
// as the production default.
func NewPlaintext(addr string, maxConnections int, deps Deps) (*Listener, error) {
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	bounded := netutil.LimitListener(tcpLn, maxConnections)
	return &Listener{ln: keepAliveListener{bounded}, deps: deps}, nil
}

// Serve accepts connections until the listener is closed, spawning a
// Handler goroutine per connection. It returns once Accept starts failing,
// which Close induces deliberately during shutdown.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			logListenerError(err)
			return err
		}
		conn.SetReadDeadline(time.Now().Add(l.deps.readTimeoutOrDefault()))
		h := New(conn, l.deps)
		go h.Run()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// keepAliveListener wraps an accepted net.Conn to enable TCP keep-alives,
// matching the teacher's tcpGracefulListener in server/shutdown.go.
type keepAliveListener struct {
	net.Listener
}

func (l keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(keepAlivePeriod)
	}
	return conn, nil
}

func logListenerError(err error) {
	log.Printf("connhandler: listener error: %v", err)
}
