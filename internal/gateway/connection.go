package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phoenixgw/gateway/internal/bus"
	"github.com/phoenixgw/gateway/internal/idgen"
	"github.com/phoenixgw/gateway/internal/phxframe"
)

// connSession is one physical WebSocket. It owns no state the registry
// doesn't already track by ID; the struct just bundles the handles the
// ingress/egress loops need.
type connSession struct {
	id         string
	ws         *websocket.Conn
	srv        *Server
	queryToken string
	egress     *bus.Bus
}

// onConnected runs a freshly upgraded WebSocket until either direction
// closes. The userToken query parameter is a join-token fallback for
// frames whose payload omits one; vsn is logged only.
func (s *Server) onConnected(conn *websocket.Conn, query url.Values) {
	connID := idgen.New(s.idLength)
	egress := s.reg.AddConn(connID)

	sess := &connSession{
		id:         connID,
		ws:         conn,
		srv:        s,
		queryToken: query.Get("userToken"),
		egress:     egress,
	}
	if vsn := query.Get("vsn"); vsn != "" {
		log.Printf("gateway: conn %s negotiated protocol vsn=%s", connID, vsn)
	}
	log.Printf("gateway: conn %s connected", connID)

	ctx, cancel := context.WithCancel(context.Background())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop(ctx, egress)
		// Closing the socket unblocks readLoop's pending ReadMessage, so a
		// writer that exits first also ends the reader.
		conn.Close()
	}()

	sess.readLoop(ctx)

	// Fate-sharing: whichever of the two loops exits first tears down the
	// other.
	cancel()
	conn.Close()
	<-writerDone

	s.reg.ConnCleanup(connID)
	log.Printf("gateway: conn %s disconnected and cleaned up", connID)
}

func (sess *connSession) readLoop(ctx context.Context) {
	ws := sess.ws
	pongWait := sess.srv.pongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}

	ws.SetReadLimit(sess.srv.maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("gateway: conn %s read error: %v", sess.id, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			frame, err := phxframe.DecodeText(data)
			if err != nil {
				log.Printf("gateway: conn %s: %v", sess.id, err)
				continue
			}
			sess.srv.dispatch(ctx, sess, frame)

		case websocket.BinaryMessage:
			joinRef, _, topic, event, payload, err := phxframe.DecodeBinaryPush(data)
			if err != nil {
				log.Printf("gateway: conn %s: %v", sess.id, err)
				continue
			}
			_ = joinRef // the binary push path forwards verbatim; no reply is sent.
			if sess.srv.publisher != nil {
				sess.srv.publisher.PublishFromEventBinary(ctx, topic, event, payload)
			}

		case websocket.CloseMessage:
			return
		}
	}
}

func (sess *connSession) writeLoop(ctx context.Context, egress *bus.Bus) {
	sub := egress.Subscribe()
	defer sub.Close()

	pongWait := sess.srv.pongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := (pongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	frames := make(chan phxframe.Frame)
	recvErr := make(chan struct{})
	go func() {
		defer close(recvErr)
		for {
			f, lagged, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			if lagged > 0 {
				log.Printf("gateway: conn %s egress lagged by %d frames", sess.id, lagged)
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-recvErr:
			return
		case f := <-frames:
			if err := sess.writeFrame(f); err != nil {
				return
			}
		case <-ticker.C:
			sess.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sess.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame serializes f as a JSON array when it carries a JSON payload,
// or as a binary frame via phxframe when it carries opaque bytes. The two
// shapes branch here rather than passing through one unified serializer.
func (sess *connSession) writeFrame(f phxframe.Frame) error {
	sess.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))

	if f.Binary != nil {
		frame, err := phxframe.EncodeBinaryBroadcast(f.Topic, f.Event, f.Binary)
		if err != nil {
			log.Printf("gateway: conn %s: encoding binary frame: %v", sess.id, err)
			return nil
		}
		return sess.ws.WriteMessage(websocket.BinaryMessage, frame)
	}

	data, err := json.Marshal(f)
	if err != nil {
		log.Printf("gateway: conn %s: marshaling frame: %v", sess.id, err)
		return nil
	}
	return sess.ws.WriteMessage(websocket.TextMessage, data)
}
