package mqttproto

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Listen opens a net.Listener for one of the four wire transports a
// broker accepts connections on: "tcp", "tls", "ws", and "wss". TLS
// variants require tlsConfig; WebSocket variants upgrade any HTTP
// request (path is not otherwise restricted, since a Secure WebSocket
// front-end typically owns routing) to a binary "mqtt" subprotocol
// connection and hand it back as a plain net.Conn.
func Listen(network, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	switch strings.ToLower(network) {
	case "tcp", "":
		return net.Listen("tcp", addr)
	case "tls":
		if tlsConfig == nil {
			return nil, fmt.Errorf("mqttproto: tls config required for tls listener")
		}
		return tls.Listen("tcp", addr, tlsConfig)
	case "ws":
		return newWebSocketListener(addr, nil)
	case "wss":
		if tlsConfig == nil {
			return nil, fmt.Errorf("mqttproto: tls config required for wss listener")
		}
		return newWebSocketListener(addr, tlsConfig)
	default:
		return nil, fmt.Errorf("mqttproto: unsupported network %q", network)
	}
}

// websocketListener adapts an http.Server accepting WebSocket upgrades
// into a net.Listener, so the rest of the broker's connection-handling
// path never has to know a client arrived over HTTP.
type websocketListener struct {
	connCh    chan net.Conn
	errCh     chan error
	closeOnce sync.Once
	closeCh   chan struct{}
	server    *http.Server
	upgrader  websocket.Upgrader
	addr      net.Addr
}

func newWebSocketListener(addr string, tlsConfig *tls.Config) (*websocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	l := &websocketListener{
		connCh:  make(chan net.Conn, 64),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
		addr:    ln.Addr(),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	mux.HandleFunc("/mqtt", l.handleUpgrade)
	l.server = &http.Server{Handler: mux, TLSConfig: tlsConfig}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case l.errCh <- err:
			default:
			}
		}
	}()
	return l, nil
}

func (l *websocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapped := &websocketConn{ws: conn}
	select {
	case l.connCh <- wrapped:
	case <-l.closeCh:
		wrapped.Close()
	}
}

func (l *websocketListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case err := <-l.errCh:
		return nil, err
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *websocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.server.Close()
	})
	return nil
}

func (l *websocketListener) Addr() net.Addr { return l.addr }

// websocketConn adapts a *websocket.Conn's message framing to the plain
// streaming io.Reader/io.Writer the MQTT codec expects, buffering any
// leftover bytes from a message that wasn't fully consumed by one Read.
type websocketConn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	left []byte
}

func (c *websocketConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.left) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.left = data
	}
	n := copy(p, c.left)
	c.left = c.left[n:]
	return n, nil
}

func (c *websocketConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *websocketConn) Close() error         { return c.ws.Close() }
func (c *websocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *websocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *websocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *websocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *websocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
