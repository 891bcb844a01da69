// Package gateway wires the Phoenix Channels v2 protocol handler to a
// physical WebSocket connection. It is the one package that touches
// gorilla/websocket directly; everything downstream of decode talks only
// to the registry, the token verifier, and the Redis publisher.
//
// Each connection runs a reader goroutine that only decodes and
// dispatches, and a writer goroutine that owns the socket's write side and
// the ping ticker; teardown is fate-shared between the two.
package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phoenixgw/gateway/internal/redisbridge"
	"github.com/phoenixgw/gateway/internal/registry"
	"github.com/phoenixgw/gateway/internal/token"
)

// upgrader performs the HTTP->WebSocket handshake. Origin checking is left
// permissive here; that policy belongs to the HTTP layer in front of the
// gateway.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts upgraded WebSocket connections and runs the channel
// protocol over them.
type Server struct {
	reg       *registry.Registry
	verifier  *token.Verifier
	publisher *redisbridge.Publisher

	idLength       int
	maxMessageSize int64
	pongWait       time.Duration
}

// NewServer builds the protocol handler's runtime dependencies.
func NewServer(reg *registry.Registry, verifier *token.Verifier, publisher *redisbridge.Publisher, idLength int, maxMessageSize int64, pongWaitSecs int) *Server {
	return &Server{
		reg:            reg,
		verifier:       verifier,
		publisher:      publisher,
		idLength:       idLength,
		maxMessageSize: maxMessageSize,
		pongWait:       time.Duration(pongWaitSecs) * time.Second,
	}
}

// ServeHTTP upgrades r into a WebSocket connection and runs it until either
// direction closes. It never returns until the connection is fully torn
// down and cleaned up, so callers typically invoke it from its own
// goroutine per incoming request (the HTTP layer's job, out of scope here).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.onConnected(conn, r.URL.Query())
}
