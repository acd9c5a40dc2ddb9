package connhandler

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader accepts any Origin, matching the teacher's own multi-transport
// Session (session.go's proto field distinguishes WEBSOCK/LPOLL/GRPC but
// applies no origin policy of its own; that belongs to a reverse proxy in
// front of it).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebsocket runs an HTTP server on addr that upgrades every request to
// the given path into a websocket connection and hands it to a Handler, the
// same line-oriented command protocol framed as one command per text
// frame instead of one command per line (spec section 10). It blocks until
// the server stops.
func ServeWebsocket(addr, path string, deps Deps) error {
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		wsConnRaw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := newWSConn(wsConnRaw)
		go New(conn, deps).Run()
	})

	server := &http.Server{Addr: addr, Handler: mux}
	return server.ListenAndServe()
}

// wsConn adapts a *websocket.Conn to net.Conn so a Handler can drive it
// through the same bufio.Reader/Writer plumbing it uses for raw TCP,
// without any protocol-specific branches in handler.go.
type wsConn struct {
	ws *websocket.Conn

	// leftover holds the unread tail of the most recently read text frame,
	// since ReadMessage returns a whole frame but Handler's bufio.Reader
	// consumes arbitrary byte counts.
	leftover []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.leftover) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.leftover = append(data, '\n')
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// Write sends one text frame per call. Handler always writes a complete
// line (payload + '\n') in a single bufio.Writer.Flush, so one frame per
// Write preserves message boundaries on the wire.
func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error        { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
