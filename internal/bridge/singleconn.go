package bridge

import (
	"io"
	"net"
	"sync"
)

// singleConnListener is a net.Listener whose first Accept returns conn and
// every subsequent call blocks until Close, then returns io.EOF. It is the
// adapter that lets http.Server.Serve drive mcp.NewStreamableHTTPHandler
// over one already-accepted control-socket connection instead of a real
// listening socket (see DESIGN.md's Open Question decision on binding an
// MCP transport to an accepted socket).
type singleConnListener struct {
	conn net.Conn
	addr net.Addr

	mu     sync.Mutex
	taken  bool
	closed chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, addr: conn.LocalAddr(), closed: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.taken {
		l.taken = true
		conn := l.conn
		l.mu.Unlock()
		return &watchedConn{Conn: conn, l: l}, nil
	}
	l.mu.Unlock()

	<-l.closed
	return nil, io.EOF
}

func (l *singleConnListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.addr }

// watchedConn closes l alongside the underlying connection, so the client
// disconnecting (which closes this conn from within net/http's own
// connection-serving goroutine) unblocks singleConnListener's second
// Accept instead of leaving it parked until the caller's own Close.
type watchedConn struct {
	net.Conn
	l *singleConnListener
}

func (w *watchedConn) Close() error {
	err := w.Conn.Close()
	_ = w.l.Close()
	return err
}
